package rabbit

import "strings"

// Root is the constant namespace token of every routing key.
const Root = "nlds-api"

// Wild matches a single token in a binding.
const Wild = "*"

// Queue name tokens.
const (
	QueueIndex              = "index"
	QueueCatalog            = "catalog"
	QueueCatalogPut         = "catalog-put"
	QueueCatalogGet         = "catalog-get"
	QueueCatalogDel         = "catalog-del"
	QueueCatalogUpdate      = "catalog-update"
	QueueCatalogRemove      = "catalog-remove"
	QueueCatalogArchiveNext = "catalog-archive-next"
	QueueCatalogArchiveUpd  = "catalog-archive-update"
	QueueMonitor            = "monitor"
	QueueMonitorPut         = "monitor-put"
	QueueMonitorGet         = "monitor-get"
	QueueTransferPut        = "transfer-put"
	QueueTransferGet        = "transfer-get"
	QueueArchivePut         = "archive-put"
	QueueArchiveGet         = "archive-get"
	QueueRoute              = "route"
	QueueLog                = "log"
)

// Action tokens.
const (
	ActionPut            = "put"
	ActionGet            = "get"
	ActionPutList        = "putlist"
	ActionGetList        = "getlist"
	ActionList           = "list"
	ActionFind           = "find"
	ActionMeta           = "meta"
	ActionStat           = "stat"
	ActionInitiate       = "initiate"
	ActionStart          = "start"
	ActionPrepare        = "prepare"
	ActionPrepareCheck   = "prepare-check"
	ActionComplete       = "complete"
	ActionInitComplete   = "init-complete"
	ActionFailed         = "failed"
	ActionNext           = "next"
	ActionArchiveRestore = "archive-restore"
	ActionArchivePut     = "archive-put"
	ActionSystemStat     = "system-stat"
)

// IsEvent reports whether the action token is a workflow event emitted for
// the orchestrator. Worker queues bound with a wildcard see their own
// events on the topic exchange and must drop them.
func IsEvent(action string) bool {
	switch action {
	case ActionComplete, ActionInitComplete, ActionFailed, ActionArchiveRestore:
		return true
	}
	return false
}

// Key assembles a routing key from its worker and action tokens.
func Key(worker, action string) string {
	return Root + "." + worker + "." + action
}

// SplitKey breaks a routing key into its worker and action tokens. Keys
// with fewer than three tokens report ok=false.
func SplitKey(key string) (worker, action string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[1], parts[len(parts)-1], true
}

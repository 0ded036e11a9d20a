package orchestrator

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error
}

// Orchestrator routes workflow events to the next stage.
type Orchestrator struct {
	pub    Publisher
	logger zerolog.Logger
}

// New creates an orchestrator publishing through pub.
func New(pub Publisher) *Orchestrator {
	return &Orchestrator{pub: pub, logger: log.WithWorker(rabbit.QueueRoute)}
}

// Bindings returns the routing-key bindings of the orchestrator queue.
func Bindings() []string {
	return []string{
		rabbit.Key(rabbit.QueueRoute, rabbit.Wild),
		rabbit.Key(rabbit.Wild, rabbit.ActionComplete),
		rabbit.Key(rabbit.Wild, rabbit.ActionInitComplete),
		rabbit.Key(rabbit.Wild, rabbit.ActionFailed),
		rabbit.Key(rabbit.Wild, rabbit.ActionArchiveRestore),
	}
}

// Handle is the consumer handler: one event in, the next stage out.
func (o *Orchestrator) Handle(key string, msg *types.Message, props rabbit.Props) error {
	worker, action, ok := rabbit.SplitKey(key)
	if !ok {
		o.logger.Warn().Str("routing_key", key).Msg("Dropping malformed routing key")
		return nil
	}
	msg.Details.AddRoute(rabbit.QueueRoute)
	if worker == rabbit.QueueRoute {
		return o.handleRequest(action, msg, props)
	}
	return o.handleEvent(worker, action, msg)
}

// handleRequest admits a new API request into the workflows.
func (o *Orchestrator) handleRequest(action string, msg *types.Message, props rabbit.Props) error {
	if msg.Details.SubID == "" {
		msg.Details.SubID = uuid.NewString()
	}
	if msg.Details.APIAction == "" {
		msg.Details.APIAction = action
	}
	switch action {
	case rabbit.ActionPut, rabbit.ActionPutList:
		msg.Details.State = types.StateRouting
		if err := o.monitorInitiate(msg); err != nil {
			return err
		}
		return o.publish(rabbit.Key(rabbit.QueueCatalogPut, rabbit.ActionInitiate), msg)

	case rabbit.ActionGet, rabbit.ActionGetList:
		msg.Details.State = types.StateRouting
		if err := o.monitorInitiate(msg); err != nil {
			return err
		}
		return o.publish(rabbit.Key(rabbit.QueueCatalogGet, rabbit.ActionStart), msg)

	case rabbit.ActionList, rabbit.ActionFind, rabbit.ActionMeta:
		// Query path: bridge the caller's reply-to straight through so
		// the catalog answers the caller directly.
		return o.pub.Publish(rabbit.Key(rabbit.QueueCatalog, action), msg,
			rabbit.PublishOptions{CorrelationID: props.CorrelationID, ReplyTo: props.ReplyTo})

	case rabbit.ActionStat:
		return o.pub.Publish(rabbit.Key(rabbit.QueueMonitor, action), msg,
			rabbit.PublishOptions{CorrelationID: props.CorrelationID, ReplyTo: props.ReplyTo})

	case rabbit.ActionArchivePut:
		// Cron-driven: ask the catalog for the next unarchived holding.
		msg.Details.State = types.StateArchiveInit
		msg.Details.APIAction = types.ActionArchivePut
		return o.publish(rabbit.Key(rabbit.QueueCatalogArchiveNext, rabbit.ActionStart), msg)
	}
	o.logger.Warn().Str("action", action).Msg("Dropping unroutable request")
	return nil
}

// handleEvent advances a workflow after a worker event.
func (o *Orchestrator) handleEvent(worker, action string, msg *types.Message) error {
	failed := action == rabbit.ActionFailed
	switch {
	case worker == rabbit.QueueCatalogPut && action == rabbit.ActionInitComplete:
		msg.Details.State = types.StateIndexing
		return o.next(msg, rabbit.Key(rabbit.QueueIndex, rabbit.ActionInitiate))

	case worker == rabbit.QueueIndex && action == rabbit.ActionComplete:
		msg.Details.State = types.StateCatalogPutting
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogPut, rabbit.ActionStart))

	case worker == rabbit.QueueCatalogPut && action == rabbit.ActionComplete:
		msg.Details.State = types.StateTransferPutting
		return o.next(msg, rabbit.Key(rabbit.QueueTransferPut, rabbit.ActionInitiate))

	case worker == rabbit.QueueTransferPut && action == rabbit.ActionComplete:
		msg.Details.State = types.StateCatalogUpdate
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogUpdate, rabbit.ActionStart))

	case worker == rabbit.QueueTransferPut && failed:
		// Compensate: the catalog withdraws the files of the failed batch.
		msg.Details.State = types.StateCatalogRollback
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogDel, rabbit.ActionStart))

	case worker == rabbit.QueueCatalogUpdate && action == rabbit.ActionComplete:
		if strings.HasPrefix(msg.Details.APIAction, types.ActionGet) {
			msg.Details.State = types.StateTransferGetting
			return o.next(msg, rabbit.Key(rabbit.QueueTransferGet, rabbit.ActionInitiate))
		}
		return o.monitorUpdate(msg)

	case worker == rabbit.QueueCatalogGet && action == rabbit.ActionComplete:
		msg.Details.State = types.StateTransferGetting
		return o.next(msg, rabbit.Key(rabbit.QueueTransferGet, rabbit.ActionInitiate))

	case worker == rabbit.QueueCatalogGet && action == rabbit.ActionArchiveRestore:
		// Files only on tape: stage them back before the object GET.
		msg.Details.State = types.StateArchiveGetting
		return o.next(msg, rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionPrepare))

	case worker == rabbit.QueueArchiveGet && action == rabbit.ActionComplete:
		msg.Details.State = types.StateCatalogUpdate
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogUpdate, rabbit.ActionStart))

	case worker == rabbit.QueueArchiveGet && failed:
		msg.Details.State = types.StateCatalogDeleteRollback
		msg.Data.StorageType = types.StorageObject
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogRemove, rabbit.ActionStart))

	case worker == rabbit.QueueTransferGet && action == rabbit.ActionComplete:
		msg.Details.State = types.StateTransferGetting
		return o.monitorUpdate(msg)

	case worker == rabbit.QueueCatalogArchiveNext && action == rabbit.ActionComplete:
		msg.Details.State = types.StateArchiveInit
		if err := o.monitorUpdate(msg); err != nil {
			return err
		}
		msg.Details.State = types.StateArchivePutting
		return o.publish(rabbit.Key(rabbit.QueueArchivePut, rabbit.ActionInitiate), msg)

	case worker == rabbit.QueueArchivePut && action == rabbit.ActionComplete:
		msg.Details.State = types.StateCatalogArchiveUpdating
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogArchiveUpd, rabbit.ActionStart))

	case worker == rabbit.QueueArchivePut && failed:
		msg.Details.State = types.StateCatalogArchiveRollback
		msg.Data.StorageType = types.StorageTape
		return o.next(msg, rabbit.Key(rabbit.QueueCatalogRemove, rabbit.ActionStart))

	case worker == rabbit.QueueCatalogArchiveUpd && action == rabbit.ActionComplete:
		return o.monitorUpdate(msg)

	case worker == rabbit.QueueCatalogDel && action == rabbit.ActionComplete:
		return o.monitorUpdate(msg)

	case worker == rabbit.QueueCatalogRemove && action == rabbit.ActionComplete:
		// The delete-rollback state is not final; the sub ends failed
		// once the placeholders are cleared.
		if !msg.Details.State.Final() {
			msg.Details.State = types.StateFailed
		}
		return o.monitorUpdate(msg)

	case failed:
		// No compensating action: record the failure and finish the sub.
		msg.Details.State = types.StateFailed
		return o.monitorUpdate(msg)
	}
	o.logger.Warn().Str("worker", worker).Str("action", action).
		Msg("Dropping event with no transition")
	return nil
}

// next publishes the next stage's request plus the matching monitor update.
func (o *Orchestrator) next(msg *types.Message, key string) error {
	if err := o.monitorUpdate(msg); err != nil {
		return err
	}
	return o.publish(key, msg)
}

func (o *Orchestrator) publish(key string, msg *types.Message) error {
	o.logger.Debug().
		Str("routing_key", key).
		Str("transaction_id", msg.Details.TransactionID).
		Str("state", msg.Details.State.String()).
		Msg("Routing")
	return o.pub.Publish(key, msg, rabbit.PublishOptions{})
}

func (o *Orchestrator) monitorInitiate(msg *types.Message) error {
	return o.pub.Publish(rabbit.Key(rabbit.QueueMonitorPut, rabbit.ActionInitiate),
		msg, rabbit.PublishOptions{})
}

func (o *Orchestrator) monitorUpdate(msg *types.Message) error {
	return o.pub.Publish(rabbit.Key(rabbit.QueueMonitorPut, rabbit.ActionStart),
		msg, rabbit.PublishOptions{})
}

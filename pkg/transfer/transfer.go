package transfer

import (
	"github.com/rs/zerolog"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error
}

// worker holds what the put and get sides share.
type worker struct {
	pub    Publisher
	store  objectstore.Store
	cfg    config.Worker
	policy config.AccessPolicy
	queue  string
	logger zerolog.Logger
}

// publishOutcome emits the complete and failed halves of a processed
// batch. Either list may be empty.
func (w *worker) publishOutcome(msg *types.Message, done, failed []*types.PathDetails,
	failState types.State, batchReason string) error {
	if len(done) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(done)
		if err := out.CompressFilelist(w.cfg.FilelistMaxLength, int64(w.cfg.FilelistMaxSize)); err != nil {
			return err
		}
		if err := w.pub.Publish(rabbit.Key(w.queue, rabbit.ActionComplete),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.Details.State = failState
		out.Details.Failure = batchReason
		out.SetFilelist(failed)
		if err := w.pub.Publish(rabbit.Key(w.queue, rabbit.ActionFailed),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// failAll attaches one reason to every file and routes the batch to failed.
func (w *worker) failAll(msg *types.Message, filelist []*types.PathDetails,
	failState types.State, reason string) error {
	for _, pd := range filelist {
		pd.Fail(reason)
	}
	return w.publishOutcome(msg, nil, filelist, failState, reason)
}

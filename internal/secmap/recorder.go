package secmap

import (
	"context"

	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

// Recorder watches the delivered message stream and persists the native id of
// every instrument definition that carries one.
type Recorder struct {
	store Store
	log   observability.Logger
}

// NewRecorder builds a recorder over the given store.
func NewRecorder(store Store, log observability.Logger) *Recorder {
	if log == nil {
		log = observability.Log()
	}
	return &Recorder{store: store, log: log}
}

// Observe inspects one delivered message. Non-security messages pass through
// untouched.
func (r *Recorder) Observe(ctx context.Context, msg schema.Message) {
	sec, ok := msg.(*schema.SecurityMessage)
	if !ok || sec.NativeID == 0 {
		return
	}

	added, err := r.store.Add(ctx, Mapping{SecurityID: sec.SecurityID, NativeID: sec.NativeID})
	if err != nil {
		r.log.Warn("security mapping persist failed",
			observability.Field{Key: "security", Value: sec.SecurityID.String()},
			observability.Field{Key: "native_id", Value: sec.NativeID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if added {
		r.log.Debug("security mapping recorded",
			observability.Field{Key: "security", Value: sec.SecurityID.String()},
			observability.Field{Key: "native_id", Value: sec.NativeID})
	}
}

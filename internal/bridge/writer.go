package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// TypeShowLock is the outbound overlay request
const TypeShowLock = "show_lock"

type showLockMessage struct {
	Type        string `json:"type"`
	AppID       string `json:"app_id"`
	DisplayName string `json:"display_name"`
}

// Writer sends overlay requests to the OS integration layer as
// newline-delimited JSON
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates a writer on out
func NewWriter(out io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(out)}
}

// ShowLock implements lock.Overlay
func (w *Writer) ShowLock(ctx context.Context, appID, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(showLockMessage{Type: TypeShowLock, AppID: appID, DisplayName: displayName}); err != nil {
		return fmt.Errorf("write show_lock: %w", err)
	}
	return nil
}

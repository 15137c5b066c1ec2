package connection

import (
	"fmt"
	"io"
	"sync"

	"github.com/rickgao/sitestream/internal/model"
)

// PrintHandler returns the default frame handler. It writes
// "For user <id>: <text>" for every status message and ignores anything else,
// including frames that fail to decode.
func PrintHandler(w io.Writer) FrameHandler {
	var mu sync.Mutex
	return FrameHandlerFunc(func(f string) {
		msg, err := model.Decode(f)
		if err != nil || msg.Kind != model.KindStatus {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "For user %s: %s\n", msg.ForUser, msg.Text)
	})
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/invoicedl/internal/protocol"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

var ErrNoClient = errors.New("no client attached")

// Request is one dispatch handed to the executor in the client tab.
type Request struct {
	ItemID  string
	GroupID string
	Mode    tasks.Mode
	RunID   string
}

// Transport delivers a message to a connected tab.
type Transport interface {
	Send(tabID string, msg any) error
}

// Dispatcher turns requests into run_row messages for the attached tab. The
// executor answers later with a run result; Dispatch only confirms delivery.
type Dispatcher struct {
	transport Transport
}

func NewDispatcher(transport Transport) *Dispatcher {
	return &Dispatcher{transport: transport}
}

func (d *Dispatcher) Dispatch(ctx context.Context, client state.ClientRef, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab := strings.TrimSpace(client.TabID)
	if tab == "" || d.transport == nil {
		return ErrNoClient
	}
	if !req.Mode.Concrete() {
		return fmt.Errorf("%w: cannot dispatch %q", tasks.ErrInvalidMode, req.Mode)
	}
	err := d.transport.Send(tab, protocol.RunRow{
		Type:    protocol.TypeRunRow,
		ItemID:  req.ItemID,
		GroupID: req.GroupID,
		Mode:    req.Mode,
		RunID:   req.RunID,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.RunID, err)
	}
	return nil
}

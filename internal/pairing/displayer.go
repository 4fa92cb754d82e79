package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/store"
)

// Displayer keeps a shown payload fresh and completes pairing when the
// scanning device confirms.
type Displayer struct {
	flow     *Flow
	id       *identity.DeviceIdentity
	interval time.Duration
	onShow   func(Payload)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDisplayer creates a displayer for id. onShow receives every payload
// to render, starting with the first.
func NewDisplayer(flow *Flow, id *identity.DeviceIdentity, onShow func(Payload)) *Displayer {
	return &Displayer{
		flow:     flow,
		id:       id,
		interval: RefreshInterval,
		onShow:   onShow,
	}
}

// Start shows the first payload and refreshes it every RefreshInterval
// until Stop or ctx is done.
func (d *Displayer) Start(ctx context.Context) (Payload, error) {
	p, err := d.flow.Show(d.id)
	if err != nil {
		return Payload{}, err
	}
	if d.onShow != nil {
		d.onShow(p)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.refreshLoop()
	return p, nil
}

func (d *Displayer) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			p, err := d.flow.Refresh()
			if err != nil {
				// The flow left StateShowQR.
				return
			}
			if d.onShow != nil {
				d.onShow(p)
			}
		}
	}
}

// Stop ends refreshing. It does not change the flow state.
func (d *Displayer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// HandleConfirm verifies a confirmation from the scanning device and, if
// it names a payload this device showed, is signed by the scanner and the
// user read scannerCode off the scanner's screen, records the scanner as
// paired. The reply to send back is returned. A wrong scannerCode returns
// syncerr.ErrPairingMismatch and keeps showing.
func (d *Displayer) HandleConfirm(ctx context.Context, msg ConfirmMessage, scannerCode string) (*store.PairedDevice, AcceptedMessage, error) {
	dev, err := d.flow.acceptConfirm(ctx, msg, scannerCode)
	if err != nil {
		return nil, AcceptedMessage{}, err
	}
	return dev, AcceptedMessage{PK: d.id.ID(), Name: d.id.DeviceName}, nil
}

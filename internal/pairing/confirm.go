package pairing

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/plotsync/plotsync/internal/identity"
	"github.com/plotsync/plotsync/internal/syncerr"
)

// Relay message types used to complete pairing on the displaying device.
const (
	MessageConfirm  = "pair-confirm"
	MessageAccepted = "pair-accepted"
)

const confirmContext = "plotsync-pair-v1"

// ConfirmMessage is sent by the scanner after the user confirmed the code.
// It proves the scanner holds the key it claims and names the payload it
// confirmed.
type ConfirmMessage struct {
	Displayer string `json:"displayer"`
	Scanner   string `json:"scanner"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Exp       int64  `json:"exp"`
	Sig       string `json:"sig"`
}

// AcceptedMessage is the displayer's reply to a valid confirmation.
type AcceptedMessage struct {
	PK   string `json:"pk"`
	Name string `json:"name"`
}

// NewConfirm signs a confirmation of the displayed payload.
func NewConfirm(scanner *identity.DeviceIdentity, displayed Payload) ConfirmMessage {
	msg := ConfirmMessage{
		Displayer: displayed.PK,
		Scanner:   scanner.ID(),
		Name:      scanner.DeviceName,
		Code:      NormalizeCode(displayed.Code),
		Exp:       displayed.Exp,
	}
	msg.Sig = base64.RawURLEncoding.EncodeToString(scanner.Sign(msg.signedBytes()))
	return msg
}

// Verify checks the scanner's signature.
func (m ConfirmMessage) Verify() error {
	sig, err := base64.RawURLEncoding.DecodeString(m.Sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", syncerr.ErrPairingMismatch)
	}
	if !identity.Verify(m.Scanner, m.signedBytes(), sig) {
		return fmt.Errorf("%w: bad signature", syncerr.ErrPairingMismatch)
	}
	return nil
}

func (m ConfirmMessage) signedBytes() []byte {
	b := []byte(confirmContext)
	for _, part := range []string{m.Displayer, m.Scanner, NormalizeCode(m.Code), strconv.FormatInt(m.Exp, 10)} {
		b = append(b, '|')
		b = append(b, part...)
	}
	return b
}

package capture

import (
	"context"
	"time"

	"github.com/murmurcast/murmur-core/internal/bus"
	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/protocol"
)

// Native is the command surface of the OS-level capture layer. Every call
// crosses a process boundary and may fail; callers wrap failures with
// local error reporting rather than letting them escape unhandled.
type Native interface {
	StartCapture(ctx context.Context, cmd protocol.StartCaptureCommand) error
	StopCapture(ctx context.Context) error
	ManualStopContinuous(ctx context.Context) error
	UpdateVadConfig(ctx context.Context, vad config.VadConfig) error
	CheckAudioAccess(ctx context.Context) (bool, error)
	RequestAudioAccess(ctx context.Context) (bool, error)
}

// BusNative speaks to the native layer over request/reply subjects.
type BusNative struct {
	client  *bus.Client
	timeout time.Duration
}

func NewBusNative(client *bus.Client) *BusNative {
	return &BusNative{client: client, timeout: 5 * time.Second}
}

func (n *BusNative) call(ctx context.Context, subject string, payload any) (protocol.CommandReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var reply protocol.CommandReply
	if err := n.client.RequestJSON(callCtx, subject, payload, &reply); err != nil {
		return reply, fault.Network(err)
	}
	if !reply.OK && reply.Error != "" {
		return reply, fault.Validation("native capture: %s", reply.Error)
	}
	return reply, nil
}

func (n *BusNative) StartCapture(ctx context.Context, cmd protocol.StartCaptureCommand) error {
	_, err := n.call(ctx, protocol.SubjectCmdStartCapture, cmd)
	return err
}

func (n *BusNative) StopCapture(ctx context.Context) error {
	_, err := n.call(ctx, protocol.SubjectCmdStopCapture, struct{}{})
	return err
}

func (n *BusNative) ManualStopContinuous(ctx context.Context) error {
	_, err := n.call(ctx, protocol.SubjectCmdManualStopContinuous, struct{}{})
	return err
}

func (n *BusNative) UpdateVadConfig(ctx context.Context, vad config.VadConfig) error {
	_, err := n.call(ctx, protocol.SubjectCmdUpdateVadConfig, protocol.UpdateVadConfigCommand{Vad: vad})
	return err
}

func (n *BusNative) CheckAudioAccess(ctx context.Context) (bool, error) {
	reply, err := n.call(ctx, protocol.SubjectCmdCheckAudioAccess, struct{}{})
	if err != nil {
		return false, err
	}
	return reply.Granted, nil
}

func (n *BusNative) RequestAudioAccess(ctx context.Context) (bool, error) {
	reply, err := n.call(ctx, protocol.SubjectCmdRequestAudioAccess, struct{}{})
	if err != nil {
		return false, err
	}
	return reply.Granted, nil
}

// Package dispatch executes one-shot actions ("open chrome") against live
// sessions. Actions are idempotent by intent; issuing one twice is not an
// error. No ordering is guaranteed between concurrent distinct actions on
// the same session beyond both eventually being attempted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emucast/backend/internal/metrics"
	"github.com/emucast/backend/internal/registry"
)

var (
	// ErrUnknownAction rejects action names not in the table.
	ErrUnknownAction = errors.New("unknown action")

	// ErrNotReady rejects actions against sessions that are not streaming
	// yet (or anymore). A client error: retry once the session is ready.
	ErrNotReady = errors.New("session not ready")
)

// intentArgs maps action names to the "am start" arguments they issue.
var intentArgs = map[string][]string{
	"open_chrome": {"-a", "android.intent.action.VIEW", "-d", "http://www.google.com"},
	"open_dialer": {"-a", "android.intent.action.DIAL"},
}

// Transport issues the control instruction to the device.
// Implemented by adb.Client.
type Transport interface {
	StartActivity(ctx context.Context, serial string, intentArgs ...string) error
}

// Dispatcher resolves serials through the registry and issues actions.
type Dispatcher struct {
	registry  *registry.Registry
	transport Transport
	timeout   time.Duration
	log       *logrus.Entry
}

func New(reg *registry.Registry, transport Transport, timeout time.Duration, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{registry: reg, transport: transport, timeout: timeout, log: log}
}

// Actions lists the known action names, sorted.
func Actions() []string {
	names := make([]string, 0, len(intentArgs))
	for name := range intentArgs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named action against serial. The session must exist and
// be streaming; the underlying call is bounded by the dispatcher timeout.
func (d *Dispatcher) Execute(ctx context.Context, serial, action string) error {
	args, ok := intentArgs[action]
	if !ok {
		metrics.ActionsTotal.WithLabelValues(action, "unknown").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	sess, err := d.registry.Get(serial)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues(action, "not_found").Inc()
		return err
	}
	if state := sess.State(); state != registry.Streaming {
		metrics.ActionsTotal.WithLabelValues(action, "not_ready").Inc()
		return fmt.Errorf("%w: session is %s", ErrNotReady, state)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.transport.StartActivity(callCtx, serial, args...); err != nil {
		metrics.ActionsTotal.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("action %q: %w", action, err)
	}

	sess.Touch()
	metrics.ActionsTotal.WithLabelValues(action, "ok").Inc()
	d.log.WithFields(logrus.Fields{"serial": serial, "action": action}).Info("action dispatched")
	return nil
}

// Package alert fans risk notifications out to delivery channels.
// Delivery is fire-and-forget: a failing channel is logged and never
// reaches the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level grades alert severity.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert to deliver.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Dispatcher broadcasts alerts to every registered channel. It implements
// core.Notifier for collaborators that only carry a message string.
type Dispatcher struct {
	log      *zap.SugaredLogger
	mu       sync.RWMutex
	channels []Channel
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no channels.
func NewDispatcher(log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{log: log.With("component", "alert")}
}

// AddChannel registers a delivery channel.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	d.log.Infow("alert channel added", "name", ch.Name())
}

// Alert delivers asynchronously to every channel. Each delivery gets its
// own timeout so one slow channel cannot delay the others.
func (d *Dispatcher) Alert(title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}
	d.mu.RLock()
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	d.mu.RUnlock()

	for _, ch := range channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ch.Send(ctx, payload); err != nil {
				d.log.Warnw("alert delivery failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
}

// Notify implements core.Notifier.
func (d *Dispatcher) Notify(message string) {
	d.Alert("moexbot", message, Warning, nil)
}

// Close waits for in-flight deliveries, bounded by a short grace period.
func (d *Dispatcher) Close() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.log.Warn("alert deliveries still pending at shutdown")
	}
}

// Package printing renders order receipts and dispatches them to the local
// print agent.
package printing

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"palantir/internal/domain"
	apperrors "palantir/internal/errors"
	"palantir/internal/metrics"
)

type Agent interface {
	Connect(ctx context.Context) error
	Connected() bool
	ListPrinters(ctx context.Context) ([]string, error)
	Print(ctx context.Context, printer string, doc []byte) error
}

// Bridge owns the process-wide print agent connection. Print jobs are never
// queued: a job sent while the agent is down fails immediately.
type Bridge struct {
	newAgent func() Agent
	printer  string
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	load  sync.Once
	agent Agent

	mu    sync.Mutex
	state domain.ConnectionState
}

// NewBridge creates a bridge whose agent client is built by newAgent on first use.
func NewBridge(newAgent func() Agent, printer string, timeout time.Duration, clock clockwork.Clock, logger *zap.Logger) *Bridge {
	return &Bridge{
		newAgent: newAgent,
		printer:  printer,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
		state:    domain.NewConnectionState(clock.Now()),
	}
}

func (b *Bridge) loadAgent() Agent {
	b.load.Do(func() {
		agent := b.newAgent()
		b.mu.Lock()
		b.agent = agent
		b.mu.Unlock()
		b.logger.Debug("print agent client loaded")
	})
	return b.currentAgent()
}

func (b *Bridge) currentAgent() Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent
}

// Connect opens the agent bridge if it is not already open.
func (b *Bridge) Connect(ctx context.Context) error {
	agent := b.loadAgent()
	if agent.Connected() {
		b.setStatus(domain.ConnectionConnected)
		return nil
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := agent.Connect(ctx); err != nil {
		b.setStatus(domain.ConnectionDisconnected)
		b.logger.Warn("print agent connect failed", zap.Error(err))
		if _, ok := apperrors.IsPrintAgentUnavailableError(err); ok {
			return err
		}
		return apperrors.NewPrintAgentUnavailableError("connecting to print agent", err)
	}
	b.setStatus(domain.ConnectionConnected)
	return nil
}

// State is the two-state view of the agent connection.
func (b *Bridge) State() domain.ConnectionState {
	b.refresh()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.TwoState()
}

// PrintOrder renders and prints one receipt. printer overrides the
// configured printer when not empty.
func (b *Bridge) PrintOrder(ctx context.Context, order domain.Order, printer string) error {
	logger := b.logger.With(zap.Int("companyId", order.CompanyID), zap.Uint("orderId", order.ID))

	if !b.State().IsConnected() {
		metrics.PrintJobsTotal.WithLabelValues("unavailable").Inc()
		logger.Warn("print requested while print agent is disconnected")
		return apperrors.NewPrintAgentUnavailableError("print agent not connected", nil)
	}
	agent := b.currentAgent()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if printer == "" {
		printer = b.printer
	}
	target, err := b.selectPrinter(ctx, agent, printer)
	if err != nil {
		b.fail(logger, err)
		return err
	}

	if err := agent.Print(ctx, target, RenderReceipt(order)); err != nil {
		b.fail(logger, err)
		if _, ok := apperrors.IsPrintAgentUnavailableError(err); ok {
			return err
		}
		return apperrors.NewPrintAgentUnavailableError("printing receipt", err)
	}

	metrics.PrintJobsTotal.WithLabelValues("printed").Inc()
	logger.Info("receipt printed", zap.String("printer", target))
	return nil
}

func (b *Bridge) selectPrinter(ctx context.Context, agent Agent, preferred string) (string, error) {
	printers, err := agent.ListPrinters(ctx)
	if err != nil {
		if _, ok := apperrors.IsPrintAgentUnavailableError(err); ok {
			return "", err
		}
		return "", apperrors.NewPrintAgentUnavailableError("listing printers", err)
	}
	if preferred != "" {
		if !slices.Contains(printers, preferred) {
			return "", apperrors.NewPrinterNotFoundError(preferred)
		}
		return preferred, nil
	}
	if len(printers) == 0 {
		return "", apperrors.NewPrinterNotFoundError("")
	}
	return printers[0], nil
}

func (b *Bridge) fail(logger *zap.Logger, err error) {
	result := "failed"
	if _, ok := apperrors.IsPrinterNotFoundError(err); ok {
		result = "no_printer"
	}
	metrics.PrintJobsTotal.WithLabelValues(result).Inc()
	logger.Warn("print failed", zap.Error(err))
	b.refresh()
}

// refresh picks up an agent connection that dropped since the last call.
func (b *Bridge) refresh() {
	agent := b.currentAgent()
	if agent == nil {
		return
	}
	if !agent.Connected() {
		b.setStatus(domain.ConnectionDisconnected)
	}
}

func (b *Bridge) setStatus(status domain.ConnectionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Status != status {
		b.logger.Info("print agent connection changed", zap.String("status", string(status)))
	}
	b.state = b.state.Transition(status, b.clock.Now())
}

// Close releases the agent connection if one was ever opened.
func (b *Bridge) Close() error {
	agent := b.currentAgent()
	b.setStatus(domain.ConnectionDisconnected)
	if c, ok := agent.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Limits bound what the adapter sends to an engine
type Limits struct {
	MinBytes int
	MaxBytes int
	Timeout  time.Duration
	// DefaultConfidence is used when the engine does not report one
	DefaultConfidence float64
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		MinBytes:          1 << 10,
		MaxBytes:          8 << 20,
		Timeout:           30 * time.Second,
		DefaultConfidence: 0.8,
	}
}

// Adapter wraps an Engine behind the extraction contract: image bytes in, candidate
// fields out, with failures classified as transient or permanent
type Adapter struct {
	engine Engine
	limits Limits
}

// NewAdapter creates a new Adapter
func NewAdapter(engine Engine, limits Limits) *Adapter {
	def := DefaultLimits()
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = def.MaxBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	if limits.DefaultConfidence <= 0 {
		limits.DefaultConfidence = def.DefaultConfidence
	}
	return &Adapter{engine: engine, limits: limits}
}

// CheckSize fails fast on images the adapter would refuse
func (a *Adapter) CheckSize(size int) error {
	switch {
	case size == 0:
		return fmt.Errorf("%w: empty image", ErrExtractionFailed)
	case size > a.limits.MaxBytes:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInputTooLarge, size, a.limits.MaxBytes)
	case size < a.limits.MinBytes:
		return fmt.Errorf("%w: image of %d bytes is too small to read", ErrExtractionFailed, size)
	}
	return nil
}

// Extract runs the engine on an image and returns its candidate fields
func (a *Adapter) Extract(ctx context.Context, imageData []byte, contentType string) (*ExtractionResult, error) {
	if err := a.CheckSize(len(imageData)); err != nil {
		return nil, err
	}

	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.limits.Timeout)
	defer cancel()

	started := time.Now()
	text, err := a.engine.Recognize(ctx, pngData)
	if err != nil {
		err = classify(ctx, err)
		slog.Warn("Extraction engine failed",
			"engine", a.engine.Name(),
			"content_type", contentType,
			"file_size", len(imageData),
			"duration", time.Since(started),
			"error", err,
		)
		return nil, err
	}

	result, err := parseExtraction(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s response: %w", ErrExtractionFailed, a.engine.Name(), err)
	}
	if result.RawText == "" {
		result.RawText = text
	}
	if result.EngineConfidence < 0 {
		result.EngineConfidence = a.limits.DefaultConfidence
	}

	slog.Debug("Extraction finished",
		"engine", a.engine.Name(),
		"duration", time.Since(started),
		"confidence", result.EngineConfidence,
	)
	return result, nil
}

// Close closes the underlying engine
func (a *Adapter) Close() error {
	return a.engine.Close()
}

// classify maps an engine error onto the transient/permanent taxonomy. Errors an engine
// already classified are kept; timeouts, cancellations, network errors and anything
// unknown are treated as transient.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrExtractionFailed) || errors.Is(err, ErrExtractionUnavailable) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrExtractionUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: network: %w", ErrExtractionUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrExtractionUnavailable, err)
}

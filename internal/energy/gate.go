// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package energy implements the regenerating ink budget that gates draw
// throughput.
//
// Every stroke costs energy proportional to the real-world area it
// covers: linear in brush size and screen distance, and quadratic in how
// far the author is zoomed out below the baseline. Coarse scribbles over
// whole districts drain the pool quickly; fine, zoomed-in detail is
// nearly free. The pool refills at a constant rate, including while the
// app is closed (computed on load from a persisted timestamp).
package energy

import (
	"math"
	"sync"
	"time"
)

// Defaults for the energy economy. Overridable via Config.
const (
	DefaultMax           = 1000.0
	DefaultRegenAmount   = 5.0
	DefaultRegenInterval = 2 * time.Second
	DefaultZoomBase      = 16.0
	DefaultCostFactor    = 0.02
)

// Config parameterizes a Gate.
type Config struct {
	// Max is the pool capacity.
	Max float64 `koanf:"max"`

	// RegenAmount is added to the pool every RegenInterval, up to Max.
	RegenAmount   float64       `koanf:"regen_amount"`
	RegenInterval time.Duration `koanf:"regen_interval"`

	// ZoomBase is the zoom level at which cost scaling is 1x. Each zoom
	// level below it multiplies cost by 4 (a screen-length stroke covers
	// 4x more ground per zoom step down).
	ZoomBase float64 `koanf:"zoom_base"`

	// CostFactor converts size x distance into energy units.
	CostFactor float64 `koanf:"cost_factor"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Max:           DefaultMax,
		RegenAmount:   DefaultRegenAmount,
		RegenInterval: DefaultRegenInterval,
		ZoomBase:      DefaultZoomBase,
		CostFactor:    DefaultCostFactor,
	}
}

func (c *Config) applyDefaults() {
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.RegenAmount <= 0 {
		c.RegenAmount = DefaultRegenAmount
	}
	if c.RegenInterval <= 0 {
		c.RegenInterval = DefaultRegenInterval
	}
	if c.ZoomBase <= 0 {
		c.ZoomBase = DefaultZoomBase
	}
	if c.CostFactor <= 0 {
		c.CostFactor = DefaultCostFactor
	}
}

// State is the persisted snapshot of a user's pool.
type State struct {
	Value   float64   `json:"value"`
	SavedAt time.Time `json:"savedAt"`
}

// Gate is one user's energy pool. The pool value never leaves [0, Max].
// All methods are safe for concurrent use.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	value float64
}

// NewGate creates a full pool with the given configuration.
func NewGate(cfg Config) *Gate {
	cfg.applyDefaults()
	return &Gate{cfg: cfg, value: cfg.Max}
}

// NewGateFromState restores a pool from a persisted snapshot, crediting
// regeneration for the time the app was closed:
//
//	value = min(max, saved + floor(elapsed/interval) x amount)
func NewGateFromState(cfg Config, st State, now time.Time) *Gate {
	cfg.applyDefaults()
	value := st.Value
	if elapsed := now.Sub(st.SavedAt); elapsed > 0 {
		ticks := math.Floor(float64(elapsed) / float64(cfg.RegenInterval))
		value += ticks * cfg.RegenAmount
	}
	if value > cfg.Max {
		value = cfg.Max
	}
	if value < 0 {
		value = 0
	}
	return &Gate{cfg: cfg, value: value}
}

// Cost returns the energy price of a stroke segment. Scaling is linear
// in brush size and pixel distance, and x4 per zoom level below the
// baseline. Zoom at or above the baseline pays the base price.
func (g *Gate) Cost(size, pixelDistance, zoom float64) float64 {
	base := size * pixelDistance * g.cfg.CostFactor
	if zoom >= g.cfg.ZoomBase {
		return base
	}
	return base * math.Pow(4, g.cfg.ZoomBase-zoom)
}

// Consume atomically checks and decrements the pool. It returns false
// without mutating state when the balance is insufficient.
func (g *Gate) Consume(amount float64) bool {
	if amount < 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value < amount {
		return false
	}
	g.value -= amount
	return true
}

// ForceConsume unconditionally decrements the pool, clamped at 0, and
// returns the remaining balance. Used for incremental mid-gesture cost
// accounting where rejecting a half-drawn stroke would be poor UX; the
// caller ends the gesture once the balance hits 0.
func (g *Gate) ForceConsume(amount float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if amount > 0 {
		g.value -= amount
		if g.value < 0 {
			g.value = 0
		}
	}
	return g.value
}

// Value returns the current balance.
func (g *Gate) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Max returns the pool capacity.
func (g *Gate) Max() float64 {
	return g.cfg.Max
}

// regenTick adds one regeneration step, capped at Max.
func (g *Gate) regenTick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value += g.cfg.RegenAmount
	if g.value > g.cfg.Max {
		g.value = g.cfg.Max
	}
}

// Snapshot returns the current state stamped with now, for persistence.
func (g *Gate) Snapshot(now time.Time) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{Value: g.value, SavedAt: now}
}

// Regenerator runs the fixed-interval refill loop for a Gate and
// periodically persists its state. It stops when the stop channel
// closes, persisting a final snapshot.
type Regenerator struct {
	gate  *Gate
	store *Store
	user  string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewRegenerator wires a gate to its optional store (nil disables
// persistence).
func NewRegenerator(gate *Gate, store *Store, userID string) *Regenerator {
	return &Regenerator{
		gate:  gate,
		store: store,
		user:  userID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the regen loop.
func (r *Regenerator) Start() {
	go r.run()
}

func (r *Regenerator) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.gate.cfg.RegenInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.gate.regenTick()
			r.persist()
		case <-r.stop:
			r.persist()
			return
		}
	}
}

func (r *Regenerator) persist() {
	if r.store == nil {
		return
	}
	// Persistence failures are not fatal to drawing; the worst case is
	// losing some offline regen credit.
	_ = r.store.Save(r.user, r.gate.Snapshot(time.Now()))
}

// Stop cancels the regen timer and waits for the final persist.
func (r *Regenerator) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

package ability

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gameplay/internal/game/timer"
)

// MontageResult is how a montage finished.
type MontageResult uint8

const (
	MontageCompleted MontageResult = iota
	MontageInterrupted
)

func (r MontageResult) String() string {
	if r == MontageCompleted {
		return "completed"
	}
	return "interrupted"
}

// MontageRequest asks the animation system to play a montage for an
// ability activation. Token is unique per request.
type MontageRequest struct {
	Token        uint64
	OwnerID      string
	AbilityID    string
	Info         ActivationInfo
	Montage      string
	PlayRate     float64
	StartSection string
}

// MontagePlayer is the animation system. PlayMontage returns the playback
// length or an error if the montage cannot play; done is called at most
// once, from the engine's goroutine. StopMontage stops req if it is still
// playing without calling its done.
type MontagePlayer interface {
	PlayMontage(req MontageRequest, done func(MontageResult)) (time.Duration, error)
	StopMontage(req MontageRequest)
}

type playingMontage struct {
	req   MontageRequest
	done  func(MontageResult)
	timer timer.Handle
}

// TimedMontagePlayer plays montages as timers of a configured length. A new
// montage for an owner interrupts the one already playing.
type TimedMontagePlayer struct {
	timers  *timer.Manager
	lengths map[string]time.Duration
	playing map[string]*playingMontage
	logger  *zap.Logger
}

// NewTimedMontagePlayer creates a player whose montages last lengths[name]
// divided by the play rate.
//
// Precondition: timers and logger must be non-nil.
func NewTimedMontagePlayer(timers *timer.Manager, lengths map[string]time.Duration, logger *zap.Logger) *TimedMontagePlayer {
	return &TimedMontagePlayer{
		timers:  timers,
		lengths: lengths,
		playing: make(map[string]*playingMontage),
		logger:  logger,
	}
}

// PlayMontage implements MontagePlayer.
func (p *TimedMontagePlayer) PlayMontage(req MontageRequest, done func(MontageResult)) (time.Duration, error) {
	length, ok := p.lengths[req.Montage]
	if !ok {
		return 0, fmt.Errorf("unknown montage %q", req.Montage)
	}
	rate := req.PlayRate
	if rate <= 0 {
		rate = 1
	}
	d := time.Duration(float64(length) / rate)
	if prev, ok := p.playing[req.OwnerID]; ok {
		p.timers.Clear(prev.timer)
		delete(p.playing, req.OwnerID)
		p.logger.Debug("montage interrupted",
			zap.String("owner", req.OwnerID), zap.String("montage", prev.req.Montage))
		prev.done(MontageInterrupted)
	}
	pm := &playingMontage{req: req, done: done}
	pm.timer = p.timers.Set(d, 0, func() {
		if p.playing[req.OwnerID] == pm {
			delete(p.playing, req.OwnerID)
		}
		pm.done(MontageCompleted)
	})
	p.playing[req.OwnerID] = pm
	return d, nil
}

// StopMontage implements MontagePlayer.
func (p *TimedMontagePlayer) StopMontage(req MontageRequest) {
	pm, ok := p.playing[req.OwnerID]
	if !ok || pm.req.Token != req.Token {
		return
	}
	p.timers.Clear(pm.timer)
	delete(p.playing, req.OwnerID)
}

// Playing returns the montage currently playing for owner.
func (p *TimedMontagePlayer) Playing(owner string) (string, bool) {
	pm, ok := p.playing[owner]
	if !ok {
		return "", false
	}
	return pm.req.Montage, true
}

// LoadMontageLengths reads a YAML mapping of montage name to duration
// string, e.g. "cast_fireball: 1.2s".
func LoadMontageLengths(path string) (map[string]time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading montages %q: %w", path, err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing montages %q: %w", path, err)
	}
	out := make(map[string]time.Duration, len(raw))
	for name, v := range raw {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("montage %q: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("montage %q: length must be positive", name)
		}
		out[name] = d
	}
	return out, nil
}

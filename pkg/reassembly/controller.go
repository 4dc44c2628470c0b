package reassembly

import (
	"errors"

	"github.com/rs/zerolog"
)

// Controller routes fragments to per-channel assemblers. Channels without
// an assembler carry whole messages.
type Controller struct {
	assemblers map[string]Assembler
	log        zerolog.Logger
}

// NewController returns an empty controller.
func NewController(log zerolog.Logger) *Controller {
	return &Controller{
		assemblers: make(map[string]Assembler),
		log:        log,
	}
}

// Register attaches a to channel, replacing any previous assembler.
func (c *Controller) Register(channel string, a Assembler) {
	c.assemblers[channel] = a
}

// Assembler returns the assembler registered for channel.
func (c *Controller) Assembler(channel string) (Assembler, bool) {
	a, ok := c.assemblers[channel]
	return a, ok
}

// Feed adds a fragment and returns the completed message, if any.
// Mismatched fragments are logged and dropped.
func (c *Controller) Feed(channel string, fragment []byte) ([]byte, bool) {
	a, ok := c.assemblers[channel]
	if !ok {
		return fragment, true
	}

	msg, done, err := a.Add(fragment)
	if err != nil {
		if errors.Is(err, ErrMismatch) {
			c.log.Warn().
				Str("channel", channel).
				Int("len", len(fragment)).
				Err(err).
				Msg("Dropped fragment")
		}
		return nil, false
	}

	if done {
		c.log.Debug().
			Str("channel", channel).
			Int("len", len(msg)).
			Msg("Message reassembled")
	}
	return msg, done
}

// Reset discards every partial message.
func (c *Controller) Reset() {
	for _, a := range c.assemblers {
		a.Reset()
	}
}

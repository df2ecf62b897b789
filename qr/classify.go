// Package qr recognizes QR codes in received images and classifies what they name.
package qr

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("qr")

type Entity int

const (
	None Entity = iota
	Ally
	Target
	Unknown
)

func (e Entity) String() string {
	switch e {
	case None:
		return "NONE"
	case Ally:
		return "ALLY"
	case Target:
		return "TARGET"
	case Unknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("Entity(%d)", int(e))
}

// DefaultWindow is how close together an ally and a target must be seen to count as ALLY_TARGET.
const DefaultWindow = 3 * time.Second

type Detection struct {
	Data   string
	Entity Entity
	At     time.Time
	// AllyTarget is set when a known entity of the other kind was seen within the window
	AllyTarget bool
}

// Classifier maps decoded QR contents to entities and remembers the last known entity seen.
// It is safe for concurrent use.
type Classifier struct {
	Window time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	allies  map[string]struct{}
	enemies map[string]struct{}
	last    Entity
	lastAt  time.Time
}

func NewClassifier(allies, enemies []string) *Classifier {
	c := &Classifier{
		Window:  DefaultWindow,
		Now:     time.Now,
		allies:  make(map[string]struct{}, len(allies)),
		enemies: make(map[string]struct{}, len(enemies)),
	}
	for _, id := range allies {
		c.allies[id] = struct{}{}
	}
	for _, id := range enemies {
		c.enemies[id] = struct{}{}
	}
	return c
}

// Entity looks id up. Allies win when an id is on both lists.
func (c *Classifier) Entity(id string) Entity {
	if _, ok := c.allies[id]; ok {
		return Ally
	}
	if _, ok := c.enemies[id]; ok {
		return Target
	}
	return Unknown
}

// Observe classifies one decoded QR code.
func (c *Classifier) Observe(data string) Detection {
	d := Detection{Data: data, Entity: c.Entity(data), At: c.Now()}
	if d.Entity != Ally && d.Entity != Target {
		return d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != None && c.last != d.Entity && d.At.Sub(c.lastAt) <= c.Window {
		d.AllyTarget = true
	}
	c.last = d.Entity
	c.lastAt = d.At
	return d
}

// LoadList reads one id per line. Blank lines and lines starting with # are skipped.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ids, nil
}

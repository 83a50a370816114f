package main

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/abakedjoetato/killfeed/internal/parser"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

var (
	weapons   = []string{"AK-SU", "M4", "SVD", "Mosin", "MP5", "Shotgun", "Knife", "Grenade"}
	locations = []string{"Ozersk", "Kushk", "Pogost", "Sirota", "Industrial Zone", "Airfield"}
	missions  = []string{"Cargo", "Convoy", "Bunker", "Plane Wreck", "Research Lab"}
	reasons   = []string{"idle", "ping too high", "admin"}
)

type player struct {
	name string
	id   string
}

// generator produces server log lines and kill records that the parsers
// accept. It is not safe for concurrent use.
type generator struct {
	rng     *rand.Rand
	players []player
	online  map[int]bool
}

func newGenerator(seed int64, players int) *generator {
	if players < 2 {
		players = 2
	}
	g := &generator{
		rng:     rand.New(rand.NewSource(seed)),
		players: make([]player, players),
		online:  make(map[int]bool, players),
	}
	for i := range g.players {
		g.players[i] = player{
			name: fmt.Sprintf("Player%03d", i+1),
			id:   fmt.Sprintf("%016x", 0x11000010000000+i),
		}
	}
	return g
}

func stamp(ts time.Time) string {
	return ts.UTC().Format(parser.TimestampLayout)
}

// logLine returns one classified server log line.
func (g *generator) logLine(ts time.Time) string {
	var body string
	switch n := g.rng.Intn(100); {
	case n < 30:
		i := g.rng.Intn(len(g.players))
		if g.online[i] {
			body = g.players[i].name + " disconnected"
			delete(g.online, i)
		} else {
			body = g.players[i].name + " connected"
			g.online[i] = true
		}
	case n < 55:
		body = fmt.Sprintf("Mission spawned: %s (Level %d)", g.pick(missions), 1+g.rng.Intn(4))
	case n < 70:
		body = "Airdrop at " + g.pick(locations)
	case n < 82:
		body = "Helicopter crash at " + g.pick(locations)
	case n < 94:
		body = "Trader appeared at " + g.pick(locations)
	default:
		i := g.rng.Intn(len(g.players))
		delete(g.online, i)
		body = fmt.Sprintf("%s was kicked: %s", g.players[i].name, g.pick(reasons))
	}
	return fmt.Sprintf("[%s] %s", stamp(ts), body)
}

// lifecycleLine returns a server start or stop line.
func (g *generator) lifecycleLine(ts time.Time, kind types.EventKind) string {
	if kind == types.EventServerStop {
		return fmt.Sprintf("[%s] Server stopped", stamp(ts))
	}
	g.online = make(map[int]bool, len(g.players))
	return fmt.Sprintf("[%s] Server started", stamp(ts))
}

// killRecord returns one ';' separated kill record. About one in twenty is
// a suicide.
func (g *generator) killRecord(ts time.Time) string {
	killer := g.players[g.rng.Intn(len(g.players))]
	victim := killer
	weapon := types.WeaponMenuSuicide
	distance := 0.0

	switch n := g.rng.Intn(20); {
	case n == 0:
	case n == 1:
		weapon = types.WeaponFalling
	default:
		for victim == killer {
			victim = g.players[g.rng.Intn(len(g.players))]
		}
		weapon = g.pick(weapons)
		distance = float64(g.rng.Intn(6000)) / 10
	}

	return strings.Join([]string{
		stamp(ts),
		killer.name, killer.id,
		victim.name, victim.id,
		weapon,
		fmt.Sprintf("%.1f", distance),
	}, ";")
}

func (g *generator) pick(from []string) string {
	return from[g.rng.Intn(len(from))]
}

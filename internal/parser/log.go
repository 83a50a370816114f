package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// linePrefix matches the bracketed timestamp every event line starts with.
var linePrefix = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2})\]\s*(.*)$`)

type grammar struct {
	kind    types.EventKind
	pattern *regexp.Regexp
	build   func(ts time.Time, m []string) types.Event
}

// grammars is evaluated in order; the first match wins.
var grammars = []grammar{
	{
		kind:    types.EventMission,
		pattern: regexp.MustCompile(`^Mission spawned: (.+) \(Level (\d+)\)$`),
		build: func(ts time.Time, m []string) types.Event {
			level, err := strconv.Atoi(m[2])
			if err != nil {
				return nil
			}
			return &types.MissionEvent{Timestamp: ts, Name: strings.TrimSpace(m[1]), Level: level}
		},
	},
	{
		kind:    types.EventHelicrash,
		pattern: regexp.MustCompile(`^Helicopter crash at (.+)$`),
		build:   locationBuilder(types.EventHelicrash),
	},
	{
		kind:    types.EventAirdrop,
		pattern: regexp.MustCompile(`^Airdrop at (.+)$`),
		build:   locationBuilder(types.EventAirdrop),
	},
	{
		kind:    types.EventTrader,
		pattern: regexp.MustCompile(`^Trader appeared at (.+)$`),
		build:   locationBuilder(types.EventTrader),
	},
	{
		kind:    types.EventConnect,
		pattern: regexp.MustCompile(`^(.+) connected$`),
		build:   connectionBuilder(types.EventConnect),
	},
	{
		kind:    types.EventDisconnect,
		pattern: regexp.MustCompile(`^(.+) disconnected$`),
		build:   connectionBuilder(types.EventDisconnect),
	},
	{
		kind:    types.EventKick,
		pattern: regexp.MustCompile(`^(.+) was kicked: (.*)$`),
		build: func(ts time.Time, m []string) types.Event {
			return &types.ConnectionEvent{
				Timestamp:  ts,
				Type:       types.EventKick,
				PlayerName: strings.TrimSpace(m[1]),
				Reason:     strings.TrimSpace(m[2]),
			}
		},
	},
	{
		kind:    types.EventServerStart,
		pattern: regexp.MustCompile(`^Server started$`),
		build:   lifecycleBuilder(types.EventServerStart),
	},
	{
		kind:    types.EventServerStop,
		pattern: regexp.MustCompile(`^Server stopped$`),
		build:   lifecycleBuilder(types.EventServerStop),
	},
}

func locationBuilder(kind types.EventKind) func(time.Time, []string) types.Event {
	return func(ts time.Time, m []string) types.Event {
		return &types.LocationEvent{Timestamp: ts, Type: kind, Location: strings.TrimSpace(m[1])}
	}
}

func connectionBuilder(kind types.EventKind) func(time.Time, []string) types.Event {
	return func(ts time.Time, m []string) types.Event {
		return &types.ConnectionEvent{Timestamp: ts, Type: kind, PlayerName: strings.TrimSpace(m[1])}
	}
}

func lifecycleBuilder(kind types.EventKind) func(time.Time, []string) types.Event {
	return func(ts time.Time, _ []string) types.Event {
		return &types.ServerLifecycleEvent{Timestamp: ts, Type: kind}
	}
}

// LogParser classifies server log lines.
//
// The timestamp prefix is matched once per line and only the remainder is
// tried against each grammar, so a line costs one prefix match plus at most
// len(grammars) anchored suffix matches.
type LogParser struct{}

// NewLogParser creates a new log line parser
func NewLogParser() *LogParser {
	return &LogParser{}
}

// Parse classifies a single complete line.
func (p *LogParser) Parse(line string, sourceID string) (types.Event, error) {
	line = TrimLine(line)
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	prefix := linePrefix.FindStringSubmatch(line)
	if prefix == nil {
		return nil, nil
	}
	rest := strings.TrimRight(prefix[2], " \t")

	for _, g := range grammars {
		m := g.pattern.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		ts, err := ParseTimestamp(prefix[1])
		if err != nil {
			return nil, err
		}
		ev := g.build(ts, m)
		if ev == nil {
			return nil, fmt.Errorf("%w: %s line %q", ErrMalformed, g.kind, line)
		}
		ev.Metadata().SourceID = sourceID
		return ev, nil
	}

	return nil, nil
}

// Name returns the parser name
func (p *LogParser) Name() string {
	return "log"
}

// Kinds lists the grammar priority order.
func Kinds() []types.EventKind {
	kinds := make([]types.EventKind, len(grammars))
	for i, g := range grammars {
		kinds[i] = g.kind
	}
	return kinds
}

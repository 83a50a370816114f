package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"golang.org/x/sync/errgroup"
)

// FactionBoardSize is the number of factions in a leaderboard.
const FactionBoardSize = 5

// FactionMember is one member's contribution to a faction.
type FactionMember struct {
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	Kills      int     `json:"kills"`
	Deaths     int     `json:"deaths"`
	KD         float64 `json:"kd"`
}

// FactionStats is the rollup of a faction's members.
type FactionStats struct {
	Name         string          `json:"name"`
	Abbreviation string          `json:"abbreviation"`
	Kills        int             `json:"kills"`
	Deaths       int             `json:"deaths"`
	KD           float64         `json:"kd"`
	TopWeapon    string          `json:"top_weapon,omitempty"`
	Weapons      []WeaponStat    `json:"weapons"`
	Members      []FactionMember `json:"members"`
}

// FactionBoard is a ranked set of factions with its rendered table.
type FactionBoard struct {
	Entries []FactionStats `json:"entries"`
	Table   string         `json:"table"`
}

func emptyFaction(f types.Faction) FactionStats {
	return FactionStats{
		Name:         f.Name,
		Abbreviation: f.Abbreviation,
		KD:           KDRatio(0, 0),
		Weapons:      []WeaponStat{},
		Members:      []FactionMember{},
	}
}

// FactionRollup sums the counters of every member of f and recomputes its
// weapon table from the members' non-suicide kills.
func (e *Engine) FactionRollup(ctx context.Context, f types.Faction) FactionStats {
	ctx, done := e.observe(ctx, "faction_rollup")
	st, err := e.rollup(ctx, f)
	done(err)
	if err != nil {
		return emptyFaction(f)
	}
	return st
}

type memberResult struct {
	member  FactionMember
	weapons []WeaponStat
}

func (e *Engine) rollup(ctx context.Context, f types.Faction) (FactionStats, error) {
	st := emptyFaction(f)
	results := make([]memberResult, len(f.Members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range f.Members {
		i, id := i, id
		g.Go(func() error {
			name, kills, deaths, err := e.totals(gctx, id)
			if err != nil {
				return fmt.Errorf("member %s: %w", id, err)
			}
			own, err := e.findKills(gctx, store.Filter{store.Eq(store.FieldKillerID, id), notSuicide}, nil, 0)
			if err != nil {
				return fmt.Errorf("member %s: %w", id, err)
			}
			evs := make([]types.Event, len(own))
			for j, k := range own {
				evs[j] = k
			}
			weapons, err := weaponBreakdown(evs)
			if err != nil {
				return err
			}
			results[i] = memberResult{
				member: FactionMember{
					PlayerID:   id,
					PlayerName: name,
					Kills:      kills,
					Deaths:     deaths,
					KD:         KDRatio(kills, deaths),
				},
				weapons: weapons,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	index := make(map[string]int)
	for _, r := range results {
		st.Kills += r.member.Kills
		st.Deaths += r.member.Deaths
		if r.member.Kills > 0 || r.member.Deaths > 0 {
			st.Members = append(st.Members, r.member)
		}
		for _, w := range r.weapons {
			i, ok := index[w.Weapon]
			if !ok {
				i = len(st.Weapons)
				index[w.Weapon] = i
				st.Weapons = append(st.Weapons, WeaponStat{Weapon: w.Weapon})
			}
			agg := &st.Weapons[i]
			agg.Kills += w.Kills
			agg.TotalDistance += w.TotalDistance
			if w.MaxDistance > agg.MaxDistance {
				agg.MaxDistance = w.MaxDistance
			}
		}
	}

	for i := range st.Weapons {
		if st.Weapons[i].Kills > 0 {
			st.Weapons[i].AvgDistance = st.Weapons[i].TotalDistance / float64(st.Weapons[i].Kills)
		}
	}
	sort.SliceStable(st.Weapons, func(i, j int) bool { return st.Weapons[i].Kills > st.Weapons[j].Kills })
	sort.SliceStable(st.Members, func(i, j int) bool { return st.Members[i].Kills > st.Members[j].Kills })
	if len(st.Weapons) > 0 {
		st.TopWeapon = st.Weapons[0].Weapon
	}
	st.KD = KDRatio(st.Kills, st.Deaths)
	return st, nil
}

// FactionLeaderboard rolls up every faction, ranks them by kills and keeps
// the top five.
func (e *Engine) FactionLeaderboard(ctx context.Context, factions []types.Faction) FactionBoard {
	ctx, done := e.observe(ctx, "faction_leaderboard")
	entries, err := e.factionLeaderboard(ctx, factions)
	done(err)
	if err != nil {
		entries = []FactionStats{}
	}
	return FactionBoard{Entries: entries, Table: FormatFactionTable(entries)}
}

func (e *Engine) factionLeaderboard(ctx context.Context, factions []types.Faction) ([]FactionStats, error) {
	entries := make([]FactionStats, len(factions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, f := range factions {
		i, f := i, f
		g.Go(func() error {
			st, err := e.rollup(gctx, f)
			if err != nil {
				return fmt.Errorf("faction %s: %w", f.Name, err)
			}
			entries[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Kills > entries[j].Kills })
	if len(entries) > FactionBoardSize {
		entries = entries[:FactionBoardSize]
	}
	return entries, nil
}

// FormatFactionTable renders ranked factions as a fixed-width table.
func FormatFactionTable(entries []FactionStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RANK  %-16s %-8s %-8s %-6s %-15s\n", "FACTION", "KILLS", "DEATHS", "K/D", "TOP WEAPON")
	b.WriteString(strings.Repeat("═", 60))
	b.WriteString("\n")

	for i, f := range entries {
		name := f.Name
		if f.Abbreviation != "" {
			name = f.Abbreviation + " " + f.Name
		}
		weapon := f.TopWeapon
		if weapon == "" {
			weapon = "None"
		}
		fmt.Fprintf(&b, "%-5d%-16s%-8d%-8d%-6s%-15s\n",
			i+1, truncate(name, 14, 14), f.Kills, f.Deaths, fmt.Sprintf("%.2f", f.KD), truncate(weapon, 15, 13))
	}
	return b.String()
}

// truncate shortens s to keep runes plus ".." when it is longer than limit runes.
func truncate(s string, limit, keep int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:keep]) + ".."
}

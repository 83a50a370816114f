package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/abakedjoetato/killfeed/internal/store"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// ErrUnknownStat is returned for leaderboard stats other than kills, deaths and kd.
var ErrUnknownStat = errors.New("unknown leaderboard stat")

// Leaderboard stats.
const (
	StatKills  = "kills"
	StatDeaths = "deaths"
	StatKD     = "kd"
)

// ValidStat reports whether stat can rank a leaderboard.
func ValidStat(stat string) bool {
	return stat == StatKills || stat == StatDeaths || stat == StatKD
}

// Row value and label names used by the top-N pipelines.
const (
	valCount = "count"
	valTotal = "total_distance"
	valMax   = "max_distance"
	lblName  = "name"
)

const (
	topSize    = 5
	recentSize = 5
	hoursSize  = 3
)

var nameField = map[store.Field]store.Field{
	store.FieldKillerID: store.FieldKillerName,
	store.FieldVictimID: store.FieldVictimName,
}

// WeaponStat summarizes kills made with one weapon.
type WeaponStat struct {
	Weapon        string  `json:"weapon"`
	Kills         int     `json:"kills"`
	TotalDistance float64 `json:"total_distance"`
	AvgDistance   float64 `json:"avg_distance"`
	MaxDistance   float64 `json:"max_distance"`
	Share         float64 `json:"share,omitempty"`
}

// Opponent is one row of a victims or killers breakdown.
type Opponent struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Kills      int    `json:"kills"`
}

// HourCount is the number of kills in one UTC hour of day.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// RecentKill is a kill annotated with its suicide cause, if any.
type RecentKill struct {
	*types.KillEvent
	Annotation string `json:"annotation,omitempty"`
}

// PlayerStats is the extended statistics of one player. Nemesis is the
// player's most frequent killer and Prey the most frequent victim.
type PlayerStats struct {
	PlayerID    string           `json:"player_id"`
	PlayerName  string           `json:"player_name"`
	SourceID    string           `json:"source_id,omitempty"`
	Since       *time.Time       `json:"since,omitempty"`
	Until       *time.Time       `json:"until,omitempty"`
	Kills       int              `json:"kills"`
	Deaths      int              `json:"deaths"`
	Suicides    int              `json:"suicides"`
	KD          float64          `json:"kd"`
	AvgDistance float64          `json:"avg_distance"`
	Weapons     []WeaponStat     `json:"weapons"`
	TopVictims  []Opponent       `json:"top_victims"`
	TopKillers  []Opponent       `json:"top_killers"`
	Nemesis     *Opponent        `json:"nemesis"`
	Prey        *Opponent        `json:"prey"`
	ActiveHours []HourCount      `json:"active_hours"`
	LongestKill *types.KillEvent `json:"longest_kill"`
	RecentKills []RecentKill     `json:"recent_kills"`
}

// MissionCount is the number of spawns of one mission.
type MissionCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ServerStats is the statistics of one source. Total kills count every
// kill record, suicides included.
type ServerStats struct {
	SourceID        string           `json:"source_id"`
	Since           *time.Time       `json:"since,omitempty"`
	Until           *time.Time       `json:"until,omitempty"`
	TotalKills      int              `json:"total_kills"`
	TotalSuicides   int              `json:"total_suicides"`
	DistinctPlayers int              `json:"distinct_players"`
	TopWeapons      []WeaponStat     `json:"top_weapons"`
	TopKillers      []Opponent       `json:"top_killers"`
	LongestKill     *types.KillEvent `json:"longest_kill"`
	RecentKills     []RecentKill     `json:"recent_kills"`
	Missions        []MissionCount   `json:"missions"`
	TotalMissions   int              `json:"total_missions"`
}

// ActivityStats summarizes who was on a source and when.
type ActivityStats struct {
	SourceID        string      `json:"source_id"`
	Since           *time.Time  `json:"since,omitempty"`
	Until           *time.Time  `json:"until,omitempty"`
	Joins           int         `json:"joins"`
	Leaves          int         `json:"leaves"`
	Kicks           int         `json:"kicks"`
	UniquePlayers   int         `json:"unique_players"`
	TotalKills      int         `json:"total_kills"`
	TotalSuicides   int         `json:"total_suicides"`
	AvgKillDistance float64     `json:"avg_kill_distance"`
	BusiestHours    []HourCount `json:"busiest_hours"`
}

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank       int     `json:"rank"`
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	Kills      int     `json:"kills"`
	Deaths     int     `json:"deaths"`
	KD         float64 `json:"kd"`
}

// TopN groups kills matching f by the given field, ranks groups by kill
// count and returns at most n rows. Ties keep the order in which groups
// were first seen. Each row carries count, total_distance and max_distance
// values, and a name label when grouping by killer or victim id.
func (e *Engine) TopN(ctx context.Context, f store.Filter, by store.Field, n int) []store.Row {
	ctx, done := e.observe(ctx, "top_n")
	rows, err := e.topN(ctx, f, by, n)
	done(err)
	if err != nil {
		return []store.Row{}
	}
	return rows
}

func (e *Engine) topN(ctx context.Context, f store.Filter, by store.Field, n int) ([]store.Row, error) {
	accs := []store.Accumulator{
		store.Count(valCount),
		store.Sum(valTotal, store.FieldDistance),
		store.Max(valMax, store.FieldDistance),
	}
	if name, ok := nameField[by]; ok {
		accs = append(accs, store.Last(lblName, name))
	}

	p := store.Pipeline{}
	if len(f) > 0 {
		p = append(p, store.Match(f...))
	}
	p = append(p, store.GroupBy(by, accs...), store.SortRows(store.RowSortKey{Name: valCount, Desc: true}))
	if n > 0 {
		p = append(p, store.Limit(n))
	}
	return e.events.Aggregate(ctx, types.CollectionKills, p)
}

// LongestKill returns the non-suicide kill matching f with the greatest
// distance, the earliest stored one on ties, or nil when there is none.
func (e *Engine) LongestKill(ctx context.Context, f store.Filter) *types.KillEvent {
	ctx, done := e.observe(ctx, "longest_kill")
	k, err := e.longestKill(ctx, f)
	done(err)
	if err != nil {
		return nil
	}
	return k
}

func (e *Engine) longestKill(ctx context.Context, f store.Filter) (*types.KillEvent, error) {
	kills, err := e.findKills(ctx, with(f, notSuicide), []store.SortKey{{Field: store.FieldDistance, Desc: true}}, 1)
	if err != nil || len(kills) == 0 {
		return nil, err
	}
	return kills[0], nil
}

// PlayerStats returns the extended statistics of a player within scope.
// Suicides count toward the player's own weapon and longest kill figures
// only when the weapon names the cause of death.
func (e *Engine) PlayerStats(ctx context.Context, playerID string, scope Scope) PlayerStats {
	ctx, done := e.observe(ctx, "player_stats")
	st, err := e.playerStats(ctx, playerID, scope)
	done(err)
	if err != nil {
		return emptyPlayerStats(playerID, scope)
	}
	return st
}

func emptyPlayerStats(playerID string, scope Scope) PlayerStats {
	st := PlayerStats{
		PlayerID:    playerID,
		SourceID:    scope.SourceID,
		KD:          KDRatio(0, 0),
		Weapons:     []WeaponStat{},
		TopVictims:  []Opponent{},
		TopKillers:  []Opponent{},
		ActiveHours: []HourCount{},
		RecentKills: []RecentKill{},
	}
	st.Since, st.Until = scope.window()
	return st
}

func (e *Engine) playerStats(ctx context.Context, playerID string, scope Scope) (PlayerStats, error) {
	st := emptyPlayerStats(playerID, scope)
	f := scope.Filter()
	asKiller := with(f, store.Eq(store.FieldKillerID, playerID))

	var err error
	if scope == (Scope{}) {
		st.PlayerName, st.Kills, st.Deaths, err = e.totals(ctx, playerID)
	} else {
		st.PlayerName, st.Kills, st.Deaths, err = e.scopedTotals(ctx, playerID, f)
	}
	if err != nil {
		return st, err
	}
	st.KD = KDRatio(st.Kills, st.Deaths)

	if st.Suicides, err = e.count(ctx, with(asKiller, store.Eq(store.FieldIsSuicide, true))); err != nil {
		return st, err
	}

	own, err := e.findKills(ctx, asKiller, nil, 0)
	if err != nil {
		return st, err
	}
	var counted []types.Event
	var total float64
	n := 0
	for _, k := range own {
		if !k.IsSuicide {
			total += k.Distance
			n++
		}
		if !k.IsSuicide || k.SelfInflictedCause() {
			counted = append(counted, k)
			if st.LongestKill == nil || k.Distance > st.LongestKill.Distance {
				st.LongestKill = k
			}
		}
	}
	if n > 0 {
		st.AvgDistance = total / float64(n)
	}
	st.Weapons, err = weaponBreakdown(counted)
	if err != nil {
		return st, err
	}

	victims, err := e.topN(ctx, with(asKiller, notSuicide,
		store.Cond{Field: store.FieldVictimID, Op: store.OpNe, Value: ""}), store.FieldVictimID, topSize)
	if err != nil {
		return st, err
	}
	st.TopVictims = opponents(victims)

	killers, err := e.topN(ctx, with(f, store.Eq(store.FieldVictimID, playerID), notSuicide,
		store.Cond{Field: store.FieldKillerID, Op: store.OpNe, Value: ""}), store.FieldKillerID, topSize)
	if err != nil {
		return st, err
	}
	st.TopKillers = opponents(killers)

	if len(st.TopKillers) > 0 {
		nemesis := st.TopKillers[0]
		st.Nemesis = &nemesis
	}
	if len(st.TopVictims) > 0 {
		prey := st.TopVictims[0]
		st.Prey = &prey
	}

	hours, err := e.topN(ctx, with(asKiller, notSuicide), store.FieldHour, hoursSize)
	if err != nil {
		return st, err
	}
	st.ActiveHours = hourCounts(hours)

	recent, err := e.findKills(ctx, with(asKiller, notSuicide),
		[]store.SortKey{{Field: store.FieldTimestamp, Desc: true}}, recentSize)
	if err != nil {
		return st, err
	}
	st.RecentKills = annotate(recent)
	return st, nil
}

// scopedTotals counts a player's kills and deaths within f.
func (e *Engine) scopedTotals(ctx context.Context, playerID string, f store.Filter) (name string, kills, deaths int, err error) {
	kills, err = e.count(ctx, with(f, store.Eq(store.FieldKillerID, playerID), notSuicide))
	if err != nil {
		return "", 0, 0, err
	}
	deaths, err = e.count(ctx, with(f, store.Eq(store.FieldVictimID, playerID)))
	if err != nil {
		return "", 0, 0, err
	}
	name, err = e.lastName(ctx, playerID)
	return name, kills, deaths, err
}

func hourCounts(rows []store.Row) []HourCount {
	out := make([]HourCount, 0, len(rows))
	for _, r := range rows {
		h, err := strconv.Atoi(r.Key)
		if err != nil {
			continue
		}
		out = append(out, HourCount{Hour: h, Count: int(r.Int(valCount))})
	}
	return out
}

// weaponBreakdown groups kills already in ID order by weapon.
func weaponBreakdown(kills []types.Event) ([]WeaponStat, error) {
	rows, err := store.Evaluate(kills, store.Pipeline{
		store.GroupBy(store.FieldWeapon,
			store.Count(valCount),
			store.Sum(valTotal, store.FieldDistance),
			store.Max(valMax, store.FieldDistance)),
		store.SortRows(store.RowSortKey{Name: valCount, Desc: true}),
	})
	if err != nil {
		return nil, err
	}
	return weaponStats(rows), nil
}

func weaponStats(rows []store.Row) []WeaponStat {
	out := make([]WeaponStat, 0, len(rows))
	for _, r := range rows {
		ws := WeaponStat{
			Weapon:        r.Key,
			Kills:         int(r.Int(valCount)),
			TotalDistance: r.Float(valTotal),
			MaxDistance:   r.Float(valMax),
		}
		if ws.Kills > 0 {
			ws.AvgDistance = ws.TotalDistance / float64(ws.Kills)
		}
		out = append(out, ws)
	}
	return out
}

func opponents(rows []store.Row) []Opponent {
	out := make([]Opponent, 0, len(rows))
	for _, r := range rows {
		out = append(out, Opponent{PlayerID: r.Key, PlayerName: r.Label(lblName), Kills: int(r.Int(valCount))})
	}
	return out
}

func annotate(kills []*types.KillEvent) []RecentKill {
	out := make([]RecentKill, 0, len(kills))
	for _, k := range kills {
		rk := RecentKill{KillEvent: k}
		switch {
		case k.IsMenuSuicide || k.Weapon == types.WeaponMenuSuicide:
			rk.Annotation = "menu suicide"
		case k.IsFallDeath || k.Weapon == types.WeaponFalling:
			rk.Annotation = "fall death"
		case k.IsSuicide:
			rk.Annotation = "suicide"
		}
		out = append(out, rk)
	}
	return out
}

// ServerStats returns the statistics of scope's source, or of all sources
// when the scope names none.
func (e *Engine) ServerStats(ctx context.Context, scope Scope) ServerStats {
	ctx, done := e.observe(ctx, "server_stats")
	st, err := e.serverStats(ctx, scope)
	done(err)
	if err != nil {
		return emptyServerStats(scope)
	}
	return st
}

func emptyServerStats(scope Scope) ServerStats {
	st := ServerStats{
		SourceID:    scope.SourceID,
		TopWeapons:  []WeaponStat{},
		TopKillers:  []Opponent{},
		RecentKills: []RecentKill{},
		Missions:    []MissionCount{},
	}
	st.Since, st.Until = scope.window()
	return st
}

func (e *Engine) serverStats(ctx context.Context, sc Scope) (ServerStats, error) {
	st := emptyServerStats(sc)
	scope := sc.Filter()

	var err error
	if st.TotalKills, err = e.count(ctx, scope); err != nil {
		return st, err
	}
	if st.TotalSuicides, err = e.count(ctx, with(scope, store.Eq(store.FieldIsSuicide, true))); err != nil {
		return st, err
	}

	participants, err := e.events.Aggregate(ctx, types.CollectionKills, store.Pipeline{
		store.Match(with(scope, store.Cond{Field: store.FieldParticipant, Op: store.OpNe, Value: ""})...),
		store.GroupBy(store.FieldParticipant, store.Count(valCount)),
	})
	if err != nil {
		return st, err
	}
	st.DistinctPlayers = len(participants)

	weapons, err := e.topN(ctx, scope, store.FieldWeapon, topSize)
	if err != nil {
		return st, err
	}
	st.TopWeapons = weaponStats(weapons)

	killers, err := e.topN(ctx, with(scope, notSuicide,
		store.Cond{Field: store.FieldKillerID, Op: store.OpNe, Value: ""}), store.FieldKillerID, topSize)
	if err != nil {
		return st, err
	}
	st.TopKillers = opponents(killers)

	if st.LongestKill, err = e.longestKill(ctx, scope); err != nil {
		return st, err
	}

	recent, err := e.findKills(ctx, scope, []store.SortKey{{Field: store.FieldTimestamp, Desc: true}}, recentSize)
	if err != nil {
		return st, err
	}
	st.RecentKills = annotate(recent)

	missions, err := e.events.Aggregate(ctx, types.CollectionServerEvents, store.Pipeline{
		store.Match(with(scope, store.Eq(store.FieldKind, string(types.EventMission)))...),
		store.GroupBy(store.FieldName, store.Count(valCount)),
		store.SortRows(store.RowSortKey{Name: valCount, Desc: true}),
	})
	if err != nil {
		return st, err
	}
	for _, r := range missions {
		n := int(r.Int(valCount))
		st.Missions = append(st.Missions, MissionCount{Name: r.Key, Count: n})
		st.TotalMissions += n
	}
	return st, nil
}

// ActivityStats returns connection, participation and timing figures for
// scope. Average distance covers non-suicide kills only.
func (e *Engine) ActivityStats(ctx context.Context, scope Scope) ActivityStats {
	ctx, done := e.observe(ctx, "activity_stats")
	st, err := e.activityStats(ctx, scope)
	done(err)
	if err != nil {
		return emptyActivityStats(scope)
	}
	return st
}

func emptyActivityStats(scope Scope) ActivityStats {
	st := ActivityStats{SourceID: scope.SourceID, BusiestHours: []HourCount{}}
	st.Since, st.Until = scope.window()
	return st
}

func (e *Engine) activityStats(ctx context.Context, scope Scope) (ActivityStats, error) {
	st := emptyActivityStats(scope)
	f := scope.Filter()

	var err error
	for _, c := range []struct {
		kind types.EventKind
		dst  *int
	}{
		{types.EventConnect, &st.Joins},
		{types.EventDisconnect, &st.Leaves},
		{types.EventKick, &st.Kicks},
	} {
		if *c.dst, err = e.countIn(ctx, types.CollectionConnections, with(f, store.Eq(store.FieldKind, string(c.kind)))); err != nil {
			return st, err
		}
	}

	if st.TotalKills, err = e.count(ctx, f); err != nil {
		return st, err
	}
	if st.TotalSuicides, err = e.count(ctx, with(f, store.Eq(store.FieldIsSuicide, true))); err != nil {
		return st, err
	}

	players := make(map[string]bool)
	for _, by := range []store.Field{store.FieldKillerID, store.FieldVictimID} {
		rows, err := e.events.Aggregate(ctx, types.CollectionKills, store.Pipeline{
			store.Match(with(f, store.Cond{Field: by, Op: store.OpNe, Value: ""})...),
			store.GroupBy(by, store.Count(valCount)),
		})
		if err != nil {
			return st, err
		}
		for _, r := range rows {
			players[r.Key] = true
		}
	}
	st.UniquePlayers = len(players)

	dist, err := e.topN(ctx, with(f, notSuicide), store.FieldIsSuicide, 1)
	if err != nil {
		return st, err
	}
	if len(dist) > 0 && dist[0].Int(valCount) > 0 {
		st.AvgKillDistance = dist[0].Float(valTotal) / dist[0].Float(valCount)
	}

	hours, err := e.topN(ctx, f, store.FieldHour, hoursSize)
	if err != nil {
		return st, err
	}
	st.BusiestHours = hourCounts(hours)
	return st, nil
}

// WeaponStats returns every weapon named by a kill record within scope,
// ranked by kills, with each weapon's share of the total.
func (e *Engine) WeaponStats(ctx context.Context, scope Scope) []WeaponStat {
	ctx, done := e.observe(ctx, "weapon_stats")
	rows, err := e.topN(ctx, scope.Filter(), store.FieldWeapon, 0)
	done(err)
	if err != nil {
		return []WeaponStat{}
	}

	out := weaponStats(rows)
	total := 0
	for _, ws := range out {
		total += ws.Kills
	}
	for i := range out {
		if total > 0 {
			out[i].Share = float64(out[i].Kills) / float64(total)
		}
	}
	return out
}

// Leaderboard ranks players by stat. An unbounded scope reads the player
// counter cache; a scoped leaderboard counts the stored kills within it.
// Players without kills or deaths are not ranked.
func (e *Engine) Leaderboard(ctx context.Context, scope Scope, stat string, n int) []LeaderboardEntry {
	ctx, done := e.observe(ctx, "leaderboard")
	entries, err := e.leaderboard(ctx, scope, stat, n)
	done(err)
	if err != nil {
		return []LeaderboardEntry{}
	}
	return entries
}

func (e *Engine) leaderboard(ctx context.Context, scope Scope, stat string, n int) ([]LeaderboardEntry, error) {
	if !ValidStat(stat) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStat, stat)
	}

	var entries []LeaderboardEntry
	var err error
	if scope == (Scope{}) {
		entries, err = e.cachedEntries(ctx)
	} else {
		entries, err = e.scopedEntries(ctx, scope.Filter())
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		switch stat {
		case StatDeaths:
			return entries[i].Deaths > entries[j].Deaths
		case StatKD:
			return entries[i].KD > entries[j].KD
		}
		return entries[i].Kills > entries[j].Kills
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (e *Engine) cachedEntries(ctx context.Context) ([]LeaderboardEntry, error) {
	players, err := e.players.ListPlayers(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(players))
	for _, p := range players {
		if p.TotalKills == 0 && p.TotalDeaths == 0 {
			continue
		}
		kills, deaths := int(p.TotalKills), int(p.TotalDeaths)
		entries = append(entries, LeaderboardEntry{
			PlayerID:   p.PlayerID,
			PlayerName: p.PlayerName,
			Kills:      kills,
			Deaths:     deaths,
			KD:         KDRatio(kills, deaths),
		})
	}
	return entries, nil
}

func (e *Engine) scopedEntries(ctx context.Context, scope store.Filter) ([]LeaderboardEntry, error) {
	kills, err := e.topN(ctx, with(scope, notSuicide,
		store.Cond{Field: store.FieldKillerID, Op: store.OpNe, Value: ""}), store.FieldKillerID, 0)
	if err != nil {
		return nil, err
	}
	deaths, err := e.topN(ctx, with(scope,
		store.Cond{Field: store.FieldVictimID, Op: store.OpNe, Value: ""}), store.FieldVictimID, 0)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var entries []LeaderboardEntry
	for _, r := range kills {
		index[r.Key] = len(entries)
		entries = append(entries, LeaderboardEntry{PlayerID: r.Key, PlayerName: r.Label(lblName), Kills: int(r.Int(valCount))})
	}
	for _, r := range deaths {
		i, ok := index[r.Key]
		if !ok {
			i = len(entries)
			index[r.Key] = i
			entries = append(entries, LeaderboardEntry{PlayerID: r.Key, PlayerName: r.Label(lblName)})
		}
		entries[i].Deaths = int(r.Int(valCount))
	}
	for i := range entries {
		entries[i].KD = KDRatio(entries[i].Kills, entries[i].Deaths)
	}
	return entries, nil
}

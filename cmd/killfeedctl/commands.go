package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/abakedjoetato/killfeed/internal/aggregate"
	"github.com/abakedjoetato/killfeed/internal/app"
	"github.com/abakedjoetato/killfeed/internal/feed"
	"github.com/abakedjoetato/killfeed/internal/ingest"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/spf13/cobra"
)

func (c *cli) cmdParse() *cobra.Command {
	var kind, mode string
	var cmd = &cobra.Command{
		Use:          "parse <source-id>",
		Short:        "run one ingestion pass over a source",
		Long:         `Run one pass for every enabled parser of the source, or only --kind.`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				src, err := a.Source(args[0])
				if err != nil {
					return err
				}
				kinds, err := parserKinds(src, kind)
				if err != nil {
					return err
				}
				summaries := make([]ingest.Summary, 0, len(kinds))
				for _, k := range kinds {
					sum, err := a.Ingestor.Parse(ctx, src, k, m)
					if err != nil {
						return fmt.Errorf("%s pass: %w", k, err)
					}
					summaries = append(summaries, sum)
				}
				return c.print(summaries)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "parser kind (log or csv); default all enabled")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeIncremental), "pass mode (incremental or historical)")
	return cmd
}

func parseMode(mode string) (types.Mode, error) {
	m := types.Mode(mode)
	if m != types.ModeIncremental && m != types.ModeHistorical {
		return "", fmt.Errorf("mode must be %s or %s", types.ModeIncremental, types.ModeHistorical)
	}
	return m, nil
}

// parserKinds returns the kinds to run: the named one, or every kind
// enabled on src.
func parserKinds(src types.Source, kind string) ([]types.ParserKind, error) {
	switch types.ParserKind(kind) {
	case types.KindLog, types.KindCSV:
		return []types.ParserKind{types.ParserKind(kind)}, nil
	case "":
	default:
		return nil, fmt.Errorf("unknown parser kind %q", kind)
	}

	var kinds []types.ParserKind
	if src.LogEnabled {
		kinds = append(kinds, types.KindLog)
	}
	if src.CSVEnabled {
		kinds = append(kinds, types.KindCSV)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("source %s has no parser enabled", src.ID)
	}
	return kinds, nil
}

func (c *cli) cmdBackfill() *cobra.Command {
	return &cobra.Command{
		Use:          "backfill <source-id>",
		Short:        "parse every kill record file of a source from the start",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				src, err := a.Source(args[0])
				if err != nil {
					return err
				}
				sum, err := a.Ingestor.Backfill(ctx, src)
				if err != nil {
					return err
				}
				return c.print(sum)
			})
		},
	}
}

func (c *cli) cmdReset() *cobra.Command {
	return &cobra.Command{
		Use:          "reset <source-id>",
		Short:        "zero the parser state and progress of a source",
		Long:         `Zero the parser state and progress of a source. Stored events are kept.`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Source(args[0]); err != nil {
					return err
				}
				if err := a.Ingestor.Reset(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s: reset\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) cmdStats() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "stats",
		Short: "show player, server or activity statistics",
	}

	var playerSource string
	var playerSince time.Duration
	player := &cobra.Command{
		Use:          "player <player-id>",
		Short:        "show the statistics of one player",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if playerSource != "" {
					if _, err := a.Source(playerSource); err != nil {
						return err
					}
				}
				return c.print(a.Engine.PlayerStats(ctx, args[0], recentScope(playerSource, playerSince)))
			})
		},
	}
	player.Flags().StringVar(&playerSource, "source", "", "restrict to one source")
	player.Flags().DurationVar(&playerSince, "since", 0, "only count kills newer than this (e.g. 24h)")
	cmd.AddCommand(player)

	var serverSince time.Duration
	server := &cobra.Command{
		Use:          "server <source-id>",
		Short:        "show the statistics of one source",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Source(args[0]); err != nil {
					return err
				}
				return c.print(a.Engine.ServerStats(ctx, recentScope(args[0], serverSince)))
			})
		},
	}
	server.Flags().DurationVar(&serverSince, "since", 0, "only count events newer than this (e.g. 24h)")
	cmd.AddCommand(server)

	var activitySince time.Duration
	activity := &cobra.Command{
		Use:          "activity <source-id>",
		Short:        "show joins, leaves, busiest hours and kill distances of one source",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Source(args[0]); err != nil {
					return err
				}
				return c.print(a.Engine.ActivityStats(ctx, recentScope(args[0], activitySince)))
			})
		},
	}
	activity.Flags().DurationVar(&activitySince, "since", 0, "only count events newer than this (e.g. 24h)")
	cmd.AddCommand(activity)
	return cmd
}

// recentScope narrows to sourceID and, when since is positive, to events
// newer than since ago.
func recentScope(sourceID string, since time.Duration) aggregate.Scope {
	scope := aggregate.Scope{SourceID: sourceID}
	if since > 0 {
		scope.Since = time.Now().Add(-since)
	}
	return scope
}

func (c *cli) cmdLeaderboard() *cobra.Command {
	var sourceID, stat string
	var limit int
	var since time.Duration
	var cmd = &cobra.Command{
		Use:          "leaderboard",
		Short:        "rank players by kills, deaths or kd",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !aggregate.ValidStat(stat) {
				return fmt.Errorf("stat must be %s, %s or %s", aggregate.StatKills, aggregate.StatDeaths, aggregate.StatKD)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return c.print(a.Engine.Leaderboard(ctx, recentScope(sourceID, since), stat, limit))
			})
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "restrict to one source")
	cmd.Flags().StringVar(&stat, "stat", aggregate.StatKills, "ranking stat (kills, deaths or kd)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of players")
	cmd.Flags().DurationVar(&since, "since", 0, "only count events newer than this (e.g. 24h)")
	return cmd
}

func (c *cli) cmdWeapons() *cobra.Command {
	var sourceID string
	var since time.Duration
	var cmd = &cobra.Command{
		Use:          "weapons",
		Short:        "show kills, distances and share per weapon",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return c.print(a.Engine.WeaponStats(ctx, recentScope(sourceID, since)))
			})
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "restrict to one source")
	cmd.Flags().DurationVar(&since, "since", 0, "only count kills newer than this (e.g. 24h)")
	return cmd
}

func (c *cli) cmdFactions() *cobra.Command {
	var asJSON bool
	var cmd = &cobra.Command{
		Use:          "factions <factions.json>",
		Short:        "rank factions read from a JSON file",
		Long:         `Rank factions read from a JSON array of {"name","abbreviation","members"} objects.`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var factions []types.Faction
			if err := json.Unmarshal(data, &factions); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				board := a.Engine.FactionLeaderboard(ctx, factions)
				if asJSON {
					return c.print(board)
				}
				fmt.Fprint(c.out, board.Table)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (c *cli) cmdProgress() *cobra.Command {
	return &cobra.Command{
		Use:          "progress <source-id>",
		Short:        "show the parser state and backfill progress of a source",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Source(args[0]); err != nil {
					return err
				}
				states, err := a.States.List(ctx, args[0])
				if err != nil {
					return err
				}
				progress, err := a.Progress.List(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(map[string]interface{}{
					"source_id": args[0],
					"states":    states,
					"progress":  progress,
				})
			})
		},
	}
}

// cmdToggle builds the enable and disable commands. A disabled parser is
// skipped by incremental passes; historical passes still run.
func (c *cli) cmdToggle(enabled bool) *cobra.Command {
	var kind, mode string
	use, short := "disable", "stop automatic parsing of a source"
	if enabled {
		use, short = "enable", "resume automatic parsing of a source"
	}
	var cmd = &cobra.Command{
		Use:          use + " <source-id>",
		Short:        short,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				src, err := a.Source(args[0])
				if err != nil {
					return err
				}
				kinds, err := parserKinds(src, kind)
				if err != nil {
					return err
				}
				for _, k := range kinds {
					key := types.StateKey{SourceID: src.ID, Kind: k, Mode: m}
					if err := a.States.SetEnabled(ctx, key, enabled); err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s: %sd\n", key, use)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "parser kind (log or csv); default all enabled")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeIncremental), "pass mode (incremental or historical)")
	return cmd
}

func (c *cli) cmdFeed() *cobra.Command {
	var sourceID string
	var after int64
	var limit int
	var follow bool
	var interval time.Duration
	var cmd = &cobra.Command{
		Use:          "feed <collection>",
		Short:        "print events stored after a cursor",
		Long:         `Print events of kills, server_events or connections stored after --after.`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := feed.ParseCollection(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cursor := feed.Cursor{Collection: collection, SourceID: sourceID, LastID: after}
				if follow {
					return c.follow(ctx, a.Feed.Follow(cursor, interval, limit))
				}
				events, next := a.Feed.Poll(ctx, cursor, limit)
				envelopes, err := types.WrapAll(events)
				if err != nil {
					return err
				}
				return c.print(map[string]interface{}{
					"events": envelopes,
					"cursor": next,
				})
			})
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "restrict to one source")
	cmd.Flags().Int64Var(&after, "after", 0, "last event id already seen")
	cmd.Flags().IntVarP(&limit, "limit", "n", feed.DefaultLimit, "maximum number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling and print one event per line until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", feed.DefaultInterval, "poll interval with --follow")
	return cmd
}

// follow prints events as they arrive until ctx ends, then the final cursor
// on stderr so a later run can resume with --after.
func (c *cli) follow(ctx context.Context, fl *feed.Follower) error {
	fl.Start()
	defer fl.Stop()

	enc := json.NewEncoder(c.out)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "last_id %d\n", fl.Cursor().LastID)
			return nil
		case ev, ok := <-fl.Events():
			if !ok {
				return nil
			}
			env, err := types.Wrap(ev)
			if err != nil {
				return err
			}
			if err := enc.Encode(env); err != nil {
				return err
			}
		}
	}
}

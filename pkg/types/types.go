package types

import "time"

// ParserKind identifies which grammar family a pass reads.
type ParserKind string

const (
	KindLog ParserKind = "log"
	KindCSV ParserKind = "csv"
)

// Mode selects whether a pass resumes from the stored offset or rereads from zero.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeHistorical  Mode = "historical"
)

// Source is a monitored game server and the files it writes.
type Source struct {
	ID         string `json:"id" yaml:"id"`
	GroupID    string `json:"group_id" yaml:"group_id"`
	Name       string `json:"name" yaml:"name"`
	LogPath    string `json:"log_path,omitempty" yaml:"log_path"`
	CSVDir     string `json:"csv_dir,omitempty" yaml:"csv_dir"`
	LogEnabled bool   `json:"log_enabled" yaml:"log_enabled"`
	CSVEnabled bool   `json:"csv_enabled" yaml:"csv_enabled"`
}

// StateKey addresses one parser state record.
type StateKey struct {
	SourceID string     `json:"source_id"`
	Kind     ParserKind `json:"kind"`
	Mode     Mode       `json:"mode"`
}

// String renders the key in a form usable as a map key on disk.
func (k StateKey) String() string {
	return k.SourceID + "/" + string(k.Kind) + "/" + string(k.Mode)
}

// ParserState tracks the committed read position for a StateKey.
type ParserState struct {
	Key            StateKey  `json:"key"`
	LastOffset     int64     `json:"last_offset"`
	LastSourceName string    `json:"last_source_name,omitempty"`
	SourceIdentity uint64    `json:"source_identity,omitempty"`
	Enabled        bool      `json:"enabled"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProgressKey addresses one progress record.
type ProgressKey struct {
	SourceID string     `json:"source_id"`
	Kind     ParserKind `json:"kind"`
}

func (k ProgressKey) String() string {
	return k.SourceID + "/" + string(k.Kind)
}

// ProgressRecord reports how far a historical pass has come.
type ProgressRecord struct {
	Key             ProgressKey `json:"key"`
	Status          string      `json:"status"`
	TotalFiles      int64       `json:"total_files"`
	ProcessedFiles  int64       `json:"processed_files"`
	TotalLines      int64       `json:"total_lines"`
	ProcessedLines  int64       `json:"processed_lines"`
	CurrentFile     string      `json:"current_file,omitempty"`
	PercentComplete float64     `json:"percent_complete"`
	IsRunning       bool        `json:"is_running"`
	StartTime       *time.Time  `json:"start_time,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Recompute derives PercentComplete from the line counters, falling back to
// file counters when no line total is known.
func (p *ProgressRecord) Recompute() {
	done, total := p.ProcessedLines, p.TotalLines
	if total == 0 {
		done, total = p.ProcessedFiles, p.TotalFiles
	}
	if total == 0 {
		p.PercentComplete = 0
		return
	}
	pct := float64(done) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	p.PercentComplete = pct
}

// Player is the cached per-player counter record. Players are global; a
// record created from a connect line has a name but no id until a kill
// record supplies one.
type Player struct {
	PlayerID     string    `json:"player_id,omitempty"`
	PlayerName   string    `json:"player_name"`
	LastSourceID string    `json:"last_source_id,omitempty"`
	TotalKills   int64     `json:"total_kills"`
	TotalDeaths  int64     `json:"total_deaths"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Faction groups players by id. Membership is owned by the caller.
type Faction struct {
	Name         string   `json:"name"`
	Abbreviation string   `json:"abbreviation"`
	Members      []string `json:"members"`
}

package parser

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// csvFields is the minimum record width:
// timestamp, killer_name, killer_id, victim_name, victim_id, weapon, distance.
const csvFields = 7

// CSVParser decodes kill records. Servers write either ';' or ',' as the
// separator; it is detected per record.
type CSVParser struct{}

// NewCSVParser creates a new kill record parser
func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse decodes one kill record. Lines that are not kill records (headers,
// short rows) return (nil, nil); rows with a bad timestamp or distance
// return ErrMalformed.
func (p *CSVParser) Parse(line string, sourceID string) (types.Event, error) {
	line = TrimLine(line)
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	fields, err := splitRecord(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fields) < csvFields {
		return nil, nil
	}

	ts, err := ParseTimestamp(fields[0])
	if err != nil {
		// Header rows land here as well.
		if strings.EqualFold(strings.TrimSpace(fields[0]), "timestamp") {
			return nil, nil
		}
		return nil, err
	}

	var distance float64
	if d := strings.TrimSpace(fields[6]); d != "" {
		distance, err = strconv.ParseFloat(d, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: distance %q", ErrMalformed, d)
		}
	}

	killerID := strings.TrimSpace(fields[2])
	victimID := strings.TrimSpace(fields[4])
	weapon := strings.TrimSpace(fields[5])

	return &types.KillEvent{
		Meta:          types.Meta{SourceID: sourceID},
		Timestamp:     ts,
		KillerName:    strings.TrimSpace(fields[1]),
		KillerID:      killerID,
		VictimName:    strings.TrimSpace(fields[3]),
		VictimID:      victimID,
		Weapon:        weapon,
		Distance:      distance,
		IsSuicide:     killerID != "" && killerID == victimID,
		IsMenuSuicide: weapon == types.WeaponMenuSuicide,
		IsFallDeath:   weapon == types.WeaponFalling,
	}, nil
}

// Name returns the parser name
func (p *CSVParser) Name() string {
	return "csv"
}

func splitRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = ','
	if strings.Count(line, ";") > strings.Count(line, ",") {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return r.Read()
}

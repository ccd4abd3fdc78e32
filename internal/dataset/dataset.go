// Package dataset reads rating triples from text files.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/objones25/mfsgd/internal/mf"
	"github.com/rs/zerolog/log"
)

// Stats summarises a loaded rating set. Row tables must cover user keys
// [0, MaxUserID] and product keys [0, MaxProductID].
type Stats struct {
	NumRatings   int
	MaxUserID    int64
	MaxProductID int64
}

// Load parses one "user product rating" triple per line. Fields may be
// separated by whitespace or commas. Blank lines and lines starting with '#'
// are skipped.
func Load(r io.Reader) ([]mf.Rating, Stats, error) {
	var (
		ratings []mf.Rating
		stats   = Stats{MaxUserID: -1, MaxProductID: -1}
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.FieldsFunc(line, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t'
		})
		if len(fields) != 3 {
			return nil, Stats{}, fmt.Errorf("line %d: expected 3 fields, got %d", lineNo, len(fields))
		}

		user, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || user < 0 {
			return nil, Stats{}, fmt.Errorf("line %d: invalid user id %q", lineNo, fields[0])
		}
		product, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || product < 0 {
			return nil, Stats{}, fmt.Errorf("line %d: invalid product id %q", lineNo, fields[1])
		}
		value, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("line %d: invalid rating %q", lineNo, fields[2])
		}

		ratings = append(ratings, mf.Rating{UserID: user, ProductID: product, Value: value})
		if user > stats.MaxUserID {
			stats.MaxUserID = user
		}
		if product > stats.MaxProductID {
			stats.MaxProductID = product
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Stats{}, fmt.Errorf("failed to read ratings: %w", err)
	}

	stats.NumRatings = len(ratings)
	return ratings, stats, nil
}

// LoadFile loads ratings from the file at path.
func LoadFile(path string) ([]mf.Rating, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open ratings file: %w", err)
	}
	defer f.Close()

	ratings, stats, err := Load(f)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%s: %w", path, err)
	}

	log.Debug().
		Str("path", path).
		Int("ratings", stats.NumRatings).
		Int64("max_user", stats.MaxUserID).
		Int64("max_product", stats.MaxProductID).
		Msg("Loaded ratings")
	return ratings, stats, nil
}

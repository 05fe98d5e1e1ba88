// Package lexicon turns message bodies into normalized word tokens and keeps
// the auxiliary word lists used for that refreshable at runtime.
package lexicon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const defaultMinLength = 1

// fileFormat is the YAML document stored at the lexicon path.
type fileFormat struct {
	// Stopwords are dropped from token output after normalization.
	Stopwords []string `yaml:"stopwords"`
	// MinLength drops tokens with fewer runes.
	MinLength int `yaml:"min_length"`
	// KeepNumbers keeps tokens made only of digits.
	KeepNumbers bool `yaml:"keep_numbers"`
}

type resource struct {
	stopwords   map[string]struct{}
	minLength   int
	keepNumbers bool
}

func defaultResource() *resource {
	return &resource{
		stopwords: make(map[string]struct{}),
		minLength: defaultMinLength,
	}
}

// Lexicon tokenizes message bodies with the currently loaded word lists.
// Tokenize is safe for concurrent use with Refresh.
type Lexicon struct {
	path   string
	logger *slog.Logger

	current atomic.Pointer[resource]

	refreshMu sync.Mutex
	modTime   time.Time
	loaded    bool
}

// New creates a lexicon backed by the YAML file at path.
//
// An empty path yields a fixed default lexicon. A path that does not exist
// yet is not an error: the defaults apply until Refresh finds the file.
func New(ctx context.Context, path string, logger *slog.Logger) (*Lexicon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lexicon := &Lexicon{
		path:   strings.TrimSpace(path),
		logger: logger,
	}
	lexicon.current.Store(defaultResource())

	if lexicon.path == "" {
		return lexicon, nil
	}
	if _, err := lexicon.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("new lexicon: %w", err)
	}

	return lexicon, nil
}

// Refresh reloads the backing file when its modification time changed and
// reports whether new word lists were installed. Parse failures keep the
// previous word lists.
func (l *Lexicon) Refresh(ctx context.Context) (bool, error) {
	if l.path == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("refresh lexicon: %w", err)
	}

	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if l.loaded {
				l.logger.WarnContext(ctx, "lexicon file disappeared, keeping previous word lists", "path", l.path)
			}
			return false, nil
		}
		return false, fmt.Errorf("refresh lexicon stat %s: %w", l.path, err)
	}
	if l.loaded && info.ModTime().Equal(l.modTime) {
		return false, nil
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return false, fmt.Errorf("refresh lexicon read %s: %w", l.path, err)
	}
	next, err := parseResource(raw)
	if err != nil {
		return false, fmt.Errorf("refresh lexicon parse %s: %w", l.path, err)
	}

	l.current.Store(next)
	l.modTime = info.ModTime()
	l.loaded = true
	l.logger.InfoContext(ctx, "lexicon loaded",
		"path", l.path,
		"stopwords", len(next.stopwords),
		"min_length", next.minLength,
	)

	return true, nil
}

func parseResource(raw []byte) (*resource, error) {
	var parsed fileFormat
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if parsed.MinLength < 0 {
		return nil, fmt.Errorf("min_length must be >= 0")
	}

	next := defaultResource()
	if parsed.MinLength > 0 {
		next.minLength = parsed.MinLength
	}
	next.keepNumbers = parsed.KeepNumbers

	folder := cases.Fold()
	for _, word := range parsed.Stopwords {
		normalized := folder.String(norm.NFKC.String(strings.TrimSpace(word)))
		if normalized == "" {
			continue
		}
		next.stopwords[normalized] = struct{}{}
	}

	return next, nil
}

// Tokenize splits body into NFKC-normalized, case-folded words in order of
// appearance. Links, stopwords and tokens shorter than the minimum length
// are dropped.
func (l *Lexicon) Tokenize(body string) []string {
	current := l.current.Load()
	folder := cases.Fold()

	tokens := make([]string, 0, 8)
	for _, field := range strings.Fields(body) {
		if isLink(field) {
			continue
		}
		normalized := folder.String(norm.NFKC.String(field))
		for _, word := range strings.FieldsFunc(normalized, isSeparator) {
			word = strings.Trim(word, "'")
			if word == "" {
				continue
			}
			if utf8.RuneCountInString(word) < current.minLength {
				continue
			}
			if !current.keepNumbers && isNumber(word) {
				continue
			}
			if _, stop := current.stopwords[word]; stop {
				continue
			}
			tokens = append(tokens, word)
		}
	}

	return tokens
}

func isLink(field string) bool {
	lower := strings.ToLower(field)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\'' && !unicode.Is(unicode.Mn, r)
}

func isNumber(word string) bool {
	for _, r := range word {
		if !unicode.IsNumber(r) {
			return false
		}
	}

	return true
}

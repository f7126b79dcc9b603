// Package tokens implements the access token pool: a totally ordered,
// concurrency safe collection of token records with health tracking,
// acquisition strategies and persistence to a JSON file.
//
// Success and error counts are session local on purpose.  They are
// never written to disk, so a transient burst of upstream errors does
// not poison a token across operator restarts.
package tokens

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/woclouds/wopan/pan"
)

// Strategy selects how Acquire picks the next token
type Strategy string

// Acquisition strategies
const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyBest       Strategy = "best"
)

// Deactivation rule: a token is switched off once it has accumulated
// more than deactivateErrors errors and its success rate has dropped
// under deactivateRate percent.
const (
	deactivateErrors = 10
	deactivateRate   = 50.0
)

// Hard coded errors, allowing for easier testing
var (
	// ErrDuplicate is returned by Add for an already known token
	ErrDuplicate = errors.New("token already exists")
	// ErrNotFound is returned by Remove and the report methods for an
	// unknown token
	ErrNotFound = errors.New("token not found")
)

// Record is the health state of one token.  The counters are session
// local - only Token, Name and Active persist.
type Record struct {
	Token     string     `json:"token"`
	Name      string     `json:"name"`
	Active    bool       `json:"is_active"`
	Successes uint64     `json:"success_count"`
	Errors    uint64     `json:"error_count"`
	LastUsed  *time.Time `json:"last_used"`
	LastError string     `json:"last_error,omitempty"`
}

// SuccessRate returns the percentage of successful reports, or 100
// when there are no samples yet.
func (r *Record) SuccessRate() float64 {
	total := r.Successes + r.Errors
	if total == 0 {
		return 100.0
	}
	return float64(r.Successes) / float64(total) * 100.0
}

// score ranks a token for StrategyBest: the success rate plus a
// freshness bonus - 10 for a never used token, otherwise up to 5
// growing with idle time.
func (r *Record) score(now time.Time) float64 {
	bonus := 10.0
	if r.LastUsed != nil {
		bonus = now.Sub(*r.LastUsed).Minutes() * 0.1
		if bonus > 5 {
			bonus = 5
		}
	}
	return r.SuccessRate() + bonus
}

// persistedToken is the on-disk form of a Record
type persistedToken struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Active bool   `json:"is_active"`
}

// persistedFile is the schema of tokens.json
type persistedFile struct {
	Tokens []persistedToken `json:"tokens"`
}

// defaultToken seeds a freshly created tokens.json so the gateway
// starts up with something to edit.
var defaultToken = persistedToken{
	Token:  "c4be61c9-3566-4d18-becd-d99f3d0e949e",
	Name:   "主Token",
	Active: true,
}

// TokenStats is one Record in a Stats snapshot with the derived
// success rate materialised for the JSON consumer.
type TokenStats struct {
	Record
	SuccessRate float64 `json:"success_rate"`
}

// Stats is a snapshot of the pool
type Stats struct {
	TotalTokens        int          `json:"total_tokens"`
	ActiveTokens       int          `json:"active_tokens"`
	TotalRequests      uint64       `json:"total_requests"`
	TotalSuccess       uint64       `json:"total_success"`
	TotalErrors        uint64       `json:"total_errors"`
	OverallSuccessRate float64      `json:"overall_success_rate"`
	Tokens             []TokenStats `json:"tokens"`
}

// Pool is the token load balancer.  One mutex covers the record list,
// the round-robin cursor and persistence; the public methods lock once
// and delegate to unexported helpers so composite actions stay inside
// a single critical section.
type Pool struct {
	mu      sync.Mutex
	path    string
	records []*Record
	cursor  int
}

// Load reads the pool from path.  A missing file is created with a
// single active placeholder entry.
func Load(path string) (*Pool, error) {
	p := &Pool{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		pan.Logf(nil, "Token file %q not found, creating default", path)
		p.records = []*Record{{
			Token:  defaultToken.Token,
			Name:   defaultToken.Name,
			Active: defaultToken.Active,
		}}
		if err := p.persist(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read token file %q", path)
	}
	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse token file %q", path)
	}
	for _, t := range file.Tokens {
		p.records = append(p.records, &Record{
			Token:  t.Token,
			Name:   t.Name,
			Active: t.Active,
		})
	}
	return p, nil
}

// persist writes the pool to disk.  Counts are excluded.  Call with
// the lock held (or before the pool is shared).
func (p *Pool) persist() error {
	file := persistedFile{Tokens: make([]persistedToken, 0, len(p.records))}
	for _, r := range p.records {
		file.Tokens = append(file.Tokens, persistedToken{
			Token:  r.Token,
			Name:   r.Name,
			Active: r.Active,
		})
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal token file")
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write token file %q", tmp)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return errors.Wrapf(err, "failed to replace token file %q", p.path)
	}
	return nil
}

// find returns the record for token.  Call with the lock held.
func (p *Pool) find(token string) *Record {
	for _, r := range p.records {
		if r.Token == token {
			return r
		}
	}
	return nil
}

// Acquire picks an active token by strategy.  The returned Record is a
// snapshot - callers report results by token string, not by mutating
// it.  ok is false when the pool has no active token.
func (p *Pool) Acquire(strategy Strategy) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var picked *Record
	switch strategy {
	case StrategyBest:
		now := time.Now()
		best := -1.0
		for _, r := range p.records {
			if !r.Active {
				continue
			}
			if s := r.score(now); s > best {
				best = s
				picked = r
			}
		}
	default: // StrategyRoundRobin
		for range p.records {
			r := p.records[p.cursor%len(p.records)]
			p.cursor++
			if r.Active {
				picked = r
				break
			}
		}
	}
	if picked == nil {
		return Record{}, false
	}
	now := time.Now()
	picked.LastUsed = &now
	snapshot := *picked
	return snapshot, true
}

// ReportSuccess records one successful upstream call for token
func (p *Pool) ReportSuccess(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.find(token)
	if r == nil {
		return ErrNotFound
	}
	r.Successes++
	return nil
}

// ReportError records one failed upstream call for token, keeps the
// message and applies the deactivation rule.
func (p *Pool) ReportError(token, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.find(token)
	if r == nil {
		return ErrNotFound
	}
	r.Errors++
	r.LastError = message
	if r.Active && r.Errors > deactivateErrors && r.SuccessRate() < deactivateRate {
		r.Active = false
		pan.Logf(nil, "Token %q deactivated after %d errors (success rate %.1f%%): %s", r.Name, r.Errors, r.SuccessRate(), message)
		return p.persist()
	}
	return nil
}

// Add appends a new token, rejecting duplicates, and persists
func (p *Pool) Add(token, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(token) != nil {
		return ErrDuplicate
	}
	p.records = append(p.records, &Record{
		Token:  token,
		Name:   name,
		Active: true,
	})
	return p.persist()
}

// Remove deletes a token and persists
func (p *Pool) Remove(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.records {
		if r.Token == token {
			p.records = append(p.records[:i], p.records[i+1:]...)
			return p.persist()
		}
	}
	return ErrNotFound
}

// Stats snapshots the pool totals and per-token records
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{
		TotalTokens: len(p.records),
		Tokens:      make([]TokenStats, 0, len(p.records)),
	}
	for _, r := range p.records {
		if r.Active {
			stats.ActiveTokens++
		}
		stats.TotalSuccess += r.Successes
		stats.TotalErrors += r.Errors
		stats.Tokens = append(stats.Tokens, TokenStats{Record: *r, SuccessRate: r.SuccessRate()})
	}
	stats.TotalRequests = stats.TotalSuccess + stats.TotalErrors
	if stats.TotalRequests > 0 {
		stats.OverallSuccessRate = float64(stats.TotalSuccess) / float64(stats.TotalRequests) * 100.0
	} else {
		stats.OverallSuccessRate = 100.0
	}
	return stats
}

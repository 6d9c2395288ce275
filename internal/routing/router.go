// Package routing picks an execution model for a task, steering around
// models a user is currently throttled on.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"agentcoord/internal/models"

	"gorm.io/gorm"
)

// DefaultPremiumModel is the most expensive model. It is only ever
// returned when it was the one requested.
const DefaultPremiumModel = "opus"

// DefaultOrder is consulted when the caller did not request a model.
var DefaultOrder = []string{"sonnet", "codex", "gemini", "haiku", "opus"}

// Choice is the outcome of model selection.
type Choice struct {
	Model     string `json:"model"`
	Requested string `json:"requested,omitempty"`
	Note      string `json:"note,omitempty"`
	Exhausted bool   `json:"exhausted"`
}

// Router selects models using the ledger and each user's fallback chain.
type Router struct {
	db     *gorm.DB
	ledger *Ledger
	log    *slog.Logger

	mu      sync.RWMutex
	order   []string
	premium string
}

// NewRouter creates a model router. An empty order means DefaultOrder and
// an empty premium means DefaultPremiumModel.
func NewRouter(db *gorm.DB, ledger *Ledger, order []string, premium string, log *slog.Logger) *Router {
	r := &Router{db: db, ledger: ledger, log: log}
	r.SetPolicy(order, premium)
	return r
}

// SetPolicy replaces the default order and premium model. Safe to call
// while the router is serving requests.
func (r *Router) SetPolicy(order []string, premium string) {
	if len(order) == 0 {
		order = DefaultOrder
	}
	if premium == "" {
		premium = DefaultPremiumModel
	}
	normalized := make([]string, 0, len(order))
	for _, m := range order {
		if m = normalizeModel(m); m != "" {
			normalized = append(normalized, m)
		}
	}

	r.mu.Lock()
	r.order = normalized
	r.premium = normalizeModel(premium)
	r.mu.Unlock()
}

func (r *Router) policy() ([]string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order, r.premium
}

// BestAvailableModel walks [requested] + the user's fallback chain + the
// default order (only when nothing was requested) and returns the first
// candidate that is not throttled. It never fails for lack of options:
// when every candidate is limited it returns the requested model, or the
// first non-premium candidate, with a note saying so.
func (r *Router) BestAvailableModel(ctx context.Context, userID, requested string) (Choice, error) {
	requested = normalizeModel(requested)
	order, premium := r.policy()

	chain, err := r.userChain(ctx, userID)
	if err != nil {
		return Choice{}, err
	}
	limited, err := r.ledger.active(ctx, userID)
	if err != nil {
		return Choice{}, err
	}

	candidates := make([]string, 0, 1+len(chain)+len(order))
	if requested != "" {
		candidates = append(candidates, requested)
	}
	candidates = append(candidates, chain...)
	if requested == "" {
		candidates = append(candidates, order...)
	}
	candidates = dedupe(candidates)

	var skipped []string
	for _, c := range candidates {
		if forbiddenForwardFallback(requested, c, premium) {
			continue
		}
		if lim, ok := limited[c]; ok {
			skipped = append(skipped, describeLimit(lim))
			continue
		}
		choice := Choice{Model: c, Requested: requested}
		if requested != "" && c != requested {
			choice.Note = fmt.Sprintf("%s; using %s", strings.Join(skipped, ", "), c)
		}
		return choice, nil
	}

	// The premium guard holds here too: with nothing requested the
	// fallback is the first non-premium candidate.
	fallback := requested
	if fallback == "" {
		fallback = firstAllowed(candidates, premium)
	}
	if fallback == "" {
		fallback = firstAllowed(DefaultOrder, premium)
	}
	r.log.Warn("all model options exhausted", "user_id", userID, "requested", requested, "model", fallback)
	return Choice{
		Model:     fallback,
		Requested: requested,
		Note:      fmt.Sprintf("all options exhausted; using %s", fallback),
		Exhausted: true,
	}, nil
}

func (r *Router) userChain(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return ParseFallbackChain(user.ModelFallbackChain), nil
}

func firstAllowed(list []string, premium string) string {
	for _, m := range list {
		if !forbiddenForwardFallback("", m, premium) {
			return m
		}
	}
	return ""
}

// forbiddenForwardFallback holds when candidate is the premium model and
// the caller did not explicitly ask for it.
func forbiddenForwardFallback(requested, candidate, premium string) bool {
	return candidate == premium && requested != premium
}

// ParseFallbackChain splits a preference string such as
// "sonnet, codex > gemini | haiku" into an ordered, deduplicated list.
func ParseFallbackChain(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '>' || r == '|' || r == ';' || unicode.IsSpace(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = normalizeModel(f); f != "" {
			out = append(out, f)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func describeLimit(l models.ModelLimit) string {
	if l.ResetsAt == nil {
		return l.ModelName + " is rate limited"
	}
	return fmt.Sprintf("%s is rate limited until %s", l.ModelName, l.ResetsAt.UTC().Format(time.RFC3339))
}

func normalizeModel(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

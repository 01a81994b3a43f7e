// Package router rewrites message destinations before they reach the broker.
//
// A redirect moves all traffic of a queue to another queue. A wiretap keeps
// the original delivery and adds an independent copy on the target queue.
// Rules are held by an explicit Router instance; there is no process-wide
// routing table.
package router

import (
	"fmt"
	"sort"
	"sync"

	"mingle/internal/config"
	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

type Kind string

const (
	KindRedirect Kind = "redirect"
	KindWiretap  Kind = "wiretap"
)

type Rule struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind Kind   `json:"kind"`
}

type Router struct {
	mu        sync.RWMutex
	redirects map[string]string
	wiretaps  map[string][]string
}

func New() *Router {
	return &Router{
		redirects: make(map[string]string),
		wiretaps:  make(map[string][]string),
	}
}

// FromConfig builds a Router from the routing section of the configuration.
func FromConfig(cfg config.RoutingConfig) (*Router, error) {
	r := New()
	for _, rule := range cfg.Redirects {
		if err := r.AddRedirect(rule.From, rule.To); err != nil {
			return nil, fmt.Errorf("redirect %s -> %s: %w", rule.From, rule.To, err)
		}
	}
	for _, rule := range cfg.Wiretaps {
		if err := r.AddWiretap(rule.From, rule.To); err != nil {
			return nil, fmt.Errorf("wiretap %s -> %s: %w", rule.From, rule.To, err)
		}
	}
	return r, nil
}

// AddRedirect sends every message addressed to from to to instead. An
// existing redirect for from is replaced.
func (r *Router) AddRedirect(from, to string) error {
	if err := validateRule(from, to); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, hadPrevious := r.redirects[from]
	delete(r.redirects, from)
	if r.reachableLocked(to, from) {
		if hadPrevious {
			r.redirects[from] = previous
		}
		return cycleError(from, to)
	}
	r.redirects[from] = to
	return nil
}

// AddWiretap delivers a copy of every message addressed to from on to as
// well. Adding the same wiretap twice has no effect.
func (r *Router) AddWiretap(from, to string) error {
	if err := validateRule(from, to); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.wiretaps[from] {
		if existing == to {
			return nil
		}
	}
	if r.reachableLocked(to, from) {
		return cycleError(from, to)
	}
	r.wiretaps[from] = append(r.wiretaps[from], to)
	return nil
}

// RemoveAll drops every rule whose source is queue.
func (r *Router) RemoveAll(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.redirects, queue)
	delete(r.wiretaps, queue)
}

// Rules lists the configured rules ordered by source, redirects first.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]Rule, 0, len(r.redirects)+len(r.wiretaps))
	for from, to := range r.redirects {
		rules = append(rules, Rule{From: from, To: to, Kind: KindRedirect})
	}
	for from, targets := range r.wiretaps {
		for _, to := range targets {
			rules = append(rules, Rule{From: from, To: to, Kind: KindWiretap})
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].From != rules[j].From {
			return rules[i].From < rules[j].From
		}
		if rules[i].Kind != rules[j].Kind {
			return rules[i].Kind == KindRedirect
		}
		return rules[i].To < rules[j].To
	})
	return rules
}

// Destinations resolves the physical queues a send to queue is delivered
// on. The first entry carries the original delivery; every further entry
// receives a copy. A queue may appear more than once when several rules
// lead to it, and each occurrence is a separate delivery.
func (r *Router) Destinations(queue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.resolveLocked(queue, make(map[string]bool))
}

func (r *Router) resolveLocked(queue string, path map[string]bool) []string {
	if path[queue] {
		return nil
	}
	path[queue] = true
	defer delete(path, queue)

	var out []string
	if to, ok := r.redirects[queue]; ok {
		out = append(out, r.resolveLocked(to, path)...)
	} else {
		out = append(out, queue)
	}
	for _, to := range r.wiretaps[queue] {
		out = append(out, r.resolveLocked(to, path)...)
	}
	return out
}

// reachableLocked reports whether target can be reached from start by
// following any rule.
func (r *Router) reachableLocked(start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		queue := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if queue == target {
			return true
		}
		if seen[queue] {
			continue
		}
		seen[queue] = true

		if to, ok := r.redirects[queue]; ok {
			stack = append(stack, to)
		}
		stack = append(stack, r.wiretaps[queue]...)
	}
	return false
}

func validateRule(from, to string) error {
	if err := models.ValidateQueueName(from); err != nil {
		return apperrors.ErrValidation.WithCause(err)
	}
	if err := models.ValidateQueueName(to); err != nil {
		return apperrors.ErrValidation.WithCause(err)
	}
	if from == to {
		return apperrors.ErrValidation.WithMessage("a queue cannot be routed to itself").
			WithDetail("queue", from)
	}
	return nil
}

func cycleError(from, to string) error {
	return apperrors.ErrRoutingCycle.
		WithDetail("from", from).
		WithDetail("to", to)
}

// Package broadcast tracks which connections are subscribed to which room
// scope, the grouping the transport uses for room fan-out.
package broadcast

import (
	"sort"
	"sync"
)

type Groups struct {
	mu     sync.RWMutex
	groups map[string]map[string]bool // scope -> connection ids
	scopes map[string]map[string]bool // connection id -> scopes
}

func NewGroups() *Groups {
	return &Groups{
		groups: make(map[string]map[string]bool),
		scopes: make(map[string]map[string]bool),
	}
}

func (g *Groups) Subscribe(scope, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groups[scope] == nil {
		g.groups[scope] = make(map[string]bool)
	}
	g.groups[scope][connID] = true
	if g.scopes[connID] == nil {
		g.scopes[connID] = make(map[string]bool)
	}
	g.scopes[connID][scope] = true
}

func (g *Groups) Unsubscribe(scope, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubscribeLocked(scope, connID)
}

// UnsubscribeAll removes connID from every scope and returns the scopes it
// left, sorted.
func (g *Groups) UnsubscribeAll(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	left := make([]string, 0, len(g.scopes[connID]))
	for scope := range g.scopes[connID] {
		left = append(left, scope)
	}
	for _, scope := range left {
		g.unsubscribeLocked(scope, connID)
	}
	sort.Strings(left)
	return left
}

func (g *Groups) unsubscribeLocked(scope, connID string) {
	if members, ok := g.groups[scope]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(g.groups, scope)
		}
	}
	if scopes, ok := g.scopes[connID]; ok {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(g.scopes, connID)
		}
	}
}

// Except returns the members of scope other than connID.
func (g *Groups) Except(scope, connID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]string, 0, len(g.groups[scope]))
	for id := range g.groups[scope] {
		if id == connID {
			continue
		}
		members = append(members, id)
	}
	return members
}

func (g *Groups) Size(scope string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups[scope])
}

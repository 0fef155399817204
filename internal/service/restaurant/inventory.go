package restaurant

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrUnknownRestaurant = errors.New("unknown restaurant")

type Table struct {
	ID    string
	Seats int
}

type Restaurant struct {
	ID     string
	Name   string
	Tables []Table
}

// Seats is the total seating across every table.
func (r Restaurant) Seats() int {
	var n int
	for _, t := range r.Tables {
		n += t.Seats
	}
	return n
}

// Inventory stores restaurants and their tables.
type Inventory interface {
	Get(ctx context.Context, id string) (Restaurant, error)
	Put(ctx context.Context, r Restaurant) error
}

// MemoryInventory is an Inventory held in process memory.
type MemoryInventory struct {
	mu          sync.RWMutex
	restaurants map[string]Restaurant
}

func NewMemoryInventory(restaurants ...Restaurant) *MemoryInventory {
	m := &MemoryInventory{restaurants: make(map[string]Restaurant, len(restaurants))}
	for _, r := range restaurants {
		m.restaurants[r.ID] = clone(r)
	}
	return m
}

func (m *MemoryInventory) Get(_ context.Context, id string) (Restaurant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.restaurants[id]
	if !ok {
		return Restaurant{}, ErrUnknownRestaurant
	}
	return clone(r), nil
}

func (m *MemoryInventory) Put(_ context.Context, r Restaurant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restaurants[r.ID] = clone(r)
	return nil
}

func clone(r Restaurant) Restaurant {
	r.Tables = slices.Clone(r.Tables)
	return r
}

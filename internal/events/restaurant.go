package events

import "bus/internal/bus"

// RestaurantUpdated records a single field change on a restaurant.
type RestaurantUpdated struct {
	bus.Meta
	RestaurantID string `json:"restaurant_id"`
	Field        string `json:"field"`
	OldValue     string `json:"old_value"`
	NewValue     string `json:"new_value"`
}

func NewRestaurantUpdated(restaurantID, field, oldValue, newValue string) RestaurantUpdated {
	return RestaurantUpdated{
		Meta:         bus.NewMeta(),
		RestaurantID: restaurantID,
		Field:        field,
		OldValue:     oldValue,
		NewValue:     newValue,
	}
}

func (RestaurantUpdated) Type() string          { return TypeRestaurantUpdated }
func (RestaurantUpdated) Topic() string         { return TopicRestaurant }
func (e RestaurantUpdated) AggregateID() string { return e.RestaurantID }

// RestaurantCapacityChanged is published when tables are added or removed.
type RestaurantCapacityChanged struct {
	bus.Meta
	RestaurantID string `json:"restaurant_id"`
	OldTables    int    `json:"old_tables"`
	NewTables    int    `json:"new_tables"`
	OldSeats     int    `json:"old_seats"`
	NewSeats     int    `json:"new_seats"`
}

func NewRestaurantCapacityChanged(restaurantID string, oldTables, newTables, oldSeats, newSeats int) RestaurantCapacityChanged {
	return RestaurantCapacityChanged{
		Meta:         bus.NewMeta(),
		RestaurantID: restaurantID,
		OldTables:    oldTables,
		NewTables:    newTables,
		OldSeats:     oldSeats,
		NewSeats:     newSeats,
	}
}

func (RestaurantCapacityChanged) Type() string          { return TypeRestaurantCapacityChanged }
func (RestaurantCapacityChanged) Topic() string         { return TopicRestaurant }
func (e RestaurantCapacityChanged) AggregateID() string { return e.RestaurantID }

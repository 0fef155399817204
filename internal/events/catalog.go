// Package events is the catalogue of concrete event variants exchanged by the
// user, restaurant, and reservation services.
package events

import "bus/internal/bus"

// NewCodec returns a codec that knows every variant in this package.
func NewCodec() *bus.Codec {
	c := bus.NewCodec()

	bus.MustRegister[UserRegistered](c)
	bus.MustRegister[UserLoggedIn](c)
	bus.MustRegister[UserProfileUpdated](c)
	bus.MustRegister[RestaurantUpdated](c)
	bus.MustRegister[RestaurantCapacityChanged](c)
	bus.MustRegister[FindAvailableTableRequest](c)
	bus.MustRegister[FindAvailableTableResponse](c)

	return c
}

package events

import (
	"time"

	"bus/internal/bus"
)

// FindAvailableTableRequest asks the restaurant service which tables can seat
// a party at a given time.
type FindAvailableTableRequest struct {
	bus.Meta
	bus.Correlation
	RestaurantID string    `json:"restaurant_id"`
	PartySize    int       `json:"party_size"`
	At           time.Time `json:"at"`
}

func NewFindAvailableTableRequest(restaurantID string, partySize int, at time.Time) FindAvailableTableRequest {
	return FindAvailableTableRequest{
		Meta:         bus.NewMeta(),
		RestaurantID: restaurantID,
		PartySize:    partySize,
		At:           at,
	}
}

func (FindAvailableTableRequest) Type() string         { return TypeFindAvailableTableRequest }
func (FindAvailableTableRequest) Topic() string        { return TopicRestaurantRequests }
func (FindAvailableTableRequest) ResponseType() string { return TypeFindAvailableTableResponse }

func (r FindAvailableTableRequest) WithCorrelation(c bus.Correlation) bus.Request {
	r.Correlation = c
	return r
}

// FindAvailableTableResponse lists the tables that fit the requested party.
type FindAvailableTableResponse struct {
	bus.Meta
	bus.Correlation
	RestaurantID    string   `json:"restaurant_id"`
	TablesAvailable int      `json:"tables_available"`
	TableIDs        []string `json:"table_ids,omitempty"`
}

func NewFindAvailableTableResponse(restaurantID string, tableIDs []string) FindAvailableTableResponse {
	return FindAvailableTableResponse{
		Meta:            bus.NewMeta(),
		RestaurantID:    restaurantID,
		TablesAvailable: len(tableIDs),
		TableIDs:        tableIDs,
	}
}

func (FindAvailableTableResponse) Type() string { return TypeFindAvailableTableResponse }

func (r FindAvailableTableResponse) WithCorrelation(c bus.Correlation) bus.Response {
	r.Correlation = c
	return r
}

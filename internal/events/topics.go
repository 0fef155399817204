package events

const (
	TopicUser               = "user.events"
	TopicRestaurant         = "restaurant.events"
	TopicRestaurantRequests = "restaurant.requests"
	TopicReservationReplies = "reservation.replies"
)

const (
	TypeUserRegistered     = "user.registered"
	TypeUserLoggedIn       = "user.logged_in"
	TypeUserProfileUpdated = "user.profile_updated"

	TypeRestaurantUpdated         = "restaurant.updated"
	TypeRestaurantCapacityChanged = "restaurant.capacity_changed"

	TypeFindAvailableTableRequest  = "reservation.find_available_table.request"
	TypeFindAvailableTableResponse = "reservation.find_available_table.response"
)

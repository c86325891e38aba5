package wire

import "encoding/json"

// AuthPayload is the payload of an authenticate frame.
type AuthPayload struct {
	UserID int64 `json:"user_id"`
}

// ChatPayload is the payload of a message frame.
type ChatPayload struct {
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
}

// Vehicle describes one traveler visible in a search topic. Field names
// match the REST /api/vehicles response, which the broadcast payload
// reuses.
type Vehicle struct {
	UserID       int64   `json:"user_id"`
	Name         string  `json:"name"`
	VehicleModel string  `json:"vehicleModel"`
	VehicleType  string  `json:"vehicleType"`
	LicensePlate string  `json:"licensePlate"`
	Status       string  `json:"status"`
	CurrLat      float64 `json:"curr_lat"`
	CurrLong     float64 `json:"curr_long"`
}

// BroadcastPayload is the payload of a search_broadcast frame.
// StopSearch=false announces presence in a place topic; true withdraws it.
type BroadcastPayload struct {
	Place       string  `json:"place"`
	VehicleInfo Vehicle `json:"vehicleInfo"`
	StopSearch  bool    `json:"stopSearch"`
}

func mustEnvelope(typ string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types above marshal unconditionally.
		panic(err)
	}
	return Envelope{Type: typ, Data: data}
}

// NewAuthenticate builds the authenticate frame sent right after the
// transport opens.
func NewAuthenticate(userID int64) Envelope {
	return mustEnvelope(TypeAuthenticate, AuthPayload{UserID: userID})
}

// NewChatMessage builds a direct chat message frame.
func NewChatMessage(senderID, recipientID int64, content string) Envelope {
	return mustEnvelope(TypeMessage, ChatPayload{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
	})
}

// NewSearchBroadcast builds a presence announce (stop=false) or
// withdraw (stop=true) frame for the given place topic.
func NewSearchBroadcast(place string, v Vehicle, stop bool) Envelope {
	return mustEnvelope(TypeSearchBroadcast, BroadcastPayload{
		Place:       place,
		VehicleInfo: v,
		StopSearch:  stop,
	})
}

// NewPing builds a heartbeat frame.
func NewPing() Envelope {
	return mustEnvelope(TypePing, struct{}{})
}

package relaypb

// QueueEvent is the JSON body of an event published to the AMQP ingest
// queue. The session id travels in the ClientIDKey message header.
type QueueEvent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

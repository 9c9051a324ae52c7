package fanout

// Event is the fan-out envelope: one confirmed journal append, mirrored
// best-effort to secondary topics. It is encoded independently of the
// journal's storage format.
type Event struct {
	EntityID   string `json:"entityId" msgpack:"entityId"`
	SequenceNr uint64 `json:"sequenceNr" msgpack:"sequenceNr"`
	Data       []byte `json:"data" msgpack:"data"`
}

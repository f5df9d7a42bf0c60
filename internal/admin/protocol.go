// Package admin exposes the replay and verification commands over a
// length-prefixed protobuf socket protocol.
package admin

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown        Operation = 0
	OperationPing           Operation = 1
	OperationHealth         Operation = 2
	OperationCatchup        Operation = 3
	OperationIndexerCatchup Operation = 4
	OperationReplayEvent    Operation = 5
	OperationFillGaps       Operation = 6
	OperationVerifyCatchup  Operation = 7
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeBusy            ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
)

type AdminRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Catchup   *CatchupRequest `protobuf:"bytes,4,opt,name=catchup,proto3"`
	Replay    *ReplayRequest  `protobuf:"bytes,5,opt,name=replay,proto3"`
}

func (*AdminRequest) Reset()         {}
func (*AdminRequest) String() string { return "AdminRequest" }
func (*AdminRequest) ProtoMessage()  {}

type CatchupRequest struct {
	Source          string `protobuf:"bytes,1,opt,name=source,proto3"`
	Component       string `protobuf:"bytes,2,opt,name=component,proto3"`
	FromEventNumber int64  `protobuf:"varint,3,opt,name=from_event_number,json=fromEventNumber,proto3"`
	FromEventId     string `protobuf:"bytes,4,opt,name=from_event_id,json=fromEventId,proto3"`
}

func (*CatchupRequest) Reset()         {}
func (*CatchupRequest) String() string { return "CatchupRequest" }
func (*CatchupRequest) ProtoMessage()  {}

type ReplayRequest struct {
	EventId   string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3"`
	Source    string `protobuf:"bytes,2,opt,name=source,proto3"`
	Component string `protobuf:"bytes,3,opt,name=component,proto3"`
}

func (*ReplayRequest) Reset()         {}
func (*ReplayRequest) String() string { return "ReplayRequest" }
func (*ReplayRequest) ProtoMessage()  {}

type AdminResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,5,opt,name=health,proto3"`
	Replay       *ReplayResult   `protobuf:"bytes,6,opt,name=replay,proto3"`
	Verify       *VerifyResult   `protobuf:"bytes,7,opt,name=verify,proto3"`
}

func (*AdminResponse) Reset()         {}
func (*AdminResponse) String() string { return "AdminResponse" }
func (*AdminResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type ReplayResult struct {
	EventsReplayed int64 `protobuf:"varint,1,opt,name=events_replayed,json=eventsReplayed,proto3"`
}

func (*ReplayResult) Reset()         {}
func (*ReplayResult) String() string { return "ReplayResult" }
func (*ReplayResult) ProtoMessage()  {}

type VerifyResult struct {
	Ok                 bool  `protobuf:"varint,1,opt,name=ok,proto3"`
	HighestEventNumber int64 `protobuf:"varint,2,opt,name=highest_event_number,json=highestEventNumber,proto3"`
	LinkedCount        int64 `protobuf:"varint,3,opt,name=linked_count,json=linkedCount,proto3"`
	UnlinkedCount      int64 `protobuf:"varint,4,opt,name=unlinked_count,json=unlinkedCount,proto3"`
	QueueDepth         int64 `protobuf:"varint,5,opt,name=queue_depth,json=queueDepth,proto3"`
	BrokenLinks        int64 `protobuf:"varint,6,opt,name=broken_links,json=brokenLinks,proto3"`
}

func (*VerifyResult) Reset()         {}
func (*VerifyResult) String() string { return "VerifyResult" }
func (*VerifyResult) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*AdminRequest, error) {
	var req AdminRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*AdminResponse, error) {
	var res AdminResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *AdminRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}

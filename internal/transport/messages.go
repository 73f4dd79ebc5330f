package transport

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// ErrMalformedMessage is returned when a payload is missing a field or has the wrong type
var ErrMalformedMessage = errors.New("malformed message")

// Field names on the wire
const (
	fieldAddress           = "address"
	fieldWorkerID          = "worker_id"
	fieldHeartbeatInterval = "heartbeat_interval_ms"
	fieldAvailable         = "available"
	fieldUnit              = "unit"
	fieldBatchID           = "batch_id"
	fieldIteration         = "iteration"
	fieldRunID             = "run_id"
	fieldAttempts          = "attempts"
	fieldParameters        = "parameters"
	fieldObservations      = "observations"
	fieldFailure           = "failure"
	fieldKind              = "kind"
	fieldMessage           = "message"
	fieldAccepted          = "accepted"
	fieldNames             = "names"
	fieldValues            = "values"
)

// RegisterRequest announces a worker
type RegisterRequest struct {
	Address string
}

// RegisterResponse carries the assigned id and the heartbeat cadence
type RegisterResponse struct {
	WorkerID          string
	HeartbeatInterval time.Duration
}

// WorkResponse is either a unit or an explicit "no work" signal
type WorkResponse struct {
	Available bool
	Unit      models.EvaluationUnit
}

// ReportRequest carries observations or a failure for one run
type ReportRequest struct {
	WorkerID     string
	BatchID      uint64
	RunID        int
	Observations *models.ObservationVector
	Failure      *models.Failure
}

func encodeRegisterRequest(r RegisterRequest) *structpb.Struct {
	return structOf(map[string]*structpb.Value{
		fieldAddress: structpb.NewStringValue(r.Address),
	})
}

func decodeRegisterRequest(s *structpb.Struct) (RegisterRequest, error) {
	addr, err := optionalString(s, fieldAddress)
	return RegisterRequest{Address: addr}, err
}

func encodeRegisterResponse(r RegisterResponse) *structpb.Struct {
	return structOf(map[string]*structpb.Value{
		fieldWorkerID:          structpb.NewStringValue(r.WorkerID),
		fieldHeartbeatInterval: structpb.NewNumberValue(float64(r.HeartbeatInterval.Milliseconds())),
	})
}

func decodeRegisterResponse(s *structpb.Struct) (RegisterResponse, error) {
	id, err := requiredString(s, fieldWorkerID)
	if err != nil {
		return RegisterResponse{}, err
	}
	ms, err := requiredNumber(s, fieldHeartbeatInterval)
	if err != nil {
		return RegisterResponse{}, err
	}
	return RegisterResponse{WorkerID: id, HeartbeatInterval: time.Duration(ms) * time.Millisecond}, nil
}

func encodeWorkerID(workerID string) *structpb.Struct {
	return structOf(map[string]*structpb.Value{
		fieldWorkerID: structpb.NewStringValue(workerID),
	})
}

func decodeWorkerID(s *structpb.Struct) (string, error) {
	return requiredString(s, fieldWorkerID)
}

func encodeWorkResponse(r WorkResponse) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldAvailable: structpb.NewBoolValue(r.Available),
	}
	if r.Available {
		u := r.Unit
		fields[fieldUnit] = structpb.NewStructValue(structOf(map[string]*structpb.Value{
			fieldBatchID:    structpb.NewNumberValue(float64(u.BatchID)),
			fieldIteration:  structpb.NewNumberValue(float64(u.Iteration)),
			fieldRunID:      structpb.NewNumberValue(float64(u.RunID)),
			fieldAttempts:   structpb.NewNumberValue(float64(u.Attempts)),
			fieldParameters: encodeVector(u.Parameters),
		}))
	}
	return structOf(fields)
}

func decodeWorkResponse(s *structpb.Struct) (WorkResponse, error) {
	available, err := requiredBool(s, fieldAvailable)
	if err != nil || !available {
		return WorkResponse{}, err
	}
	us, err := requiredStruct(s, fieldUnit)
	if err != nil {
		return WorkResponse{}, err
	}

	var u models.EvaluationUnit
	batchID, err := requiredInt(us, fieldBatchID)
	if err != nil {
		return WorkResponse{}, err
	}
	if batchID < 0 {
		return WorkResponse{}, fmt.Errorf("%w: negative %s", ErrMalformedMessage, fieldBatchID)
	}
	u.BatchID = uint64(batchID)
	if u.Iteration, err = requiredInt(us, fieldIteration); err != nil {
		return WorkResponse{}, err
	}
	if u.RunID, err = requiredInt(us, fieldRunID); err != nil {
		return WorkResponse{}, err
	}
	if v, ok := us.GetFields()[fieldAttempts]; ok {
		u.Attempts = int(v.GetNumberValue())
	}
	if u.Parameters, err = decodeVector(us, fieldParameters); err != nil {
		return WorkResponse{}, err
	}
	u.Status = models.RunStatusDispatched
	return WorkResponse{Available: true, Unit: u}, nil
}

func encodeReportRequest(r ReportRequest) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldWorkerID: structpb.NewStringValue(r.WorkerID),
		fieldBatchID:  structpb.NewNumberValue(float64(r.BatchID)),
		fieldRunID:    structpb.NewNumberValue(float64(r.RunID)),
	}
	if r.Observations != nil {
		fields[fieldObservations] = encodeVector(*r.Observations)
	}
	if r.Failure != nil {
		fields[fieldFailure] = structpb.NewStructValue(structOf(map[string]*structpb.Value{
			fieldKind:    structpb.NewStringValue(string(r.Failure.Kind)),
			fieldMessage: structpb.NewStringValue(r.Failure.Message),
		}))
	}
	return structOf(fields)
}

func decodeReportRequest(s *structpb.Struct) (ReportRequest, error) {
	var r ReportRequest
	var err error
	if r.WorkerID, err = requiredString(s, fieldWorkerID); err != nil {
		return r, err
	}
	batchID, err := requiredInt(s, fieldBatchID)
	if err != nil {
		return r, err
	}
	if batchID < 0 {
		return r, fmt.Errorf("%w: negative %s", ErrMalformedMessage, fieldBatchID)
	}
	r.BatchID = uint64(batchID)
	if r.RunID, err = requiredInt(s, fieldRunID); err != nil {
		return r, err
	}

	fields := s.GetFields()
	if _, ok := fields[fieldObservations]; ok {
		v, err := decodeVector(s, fieldObservations)
		if err != nil {
			return r, err
		}
		r.Observations = &v
	}
	if _, ok := fields[fieldFailure]; ok {
		fs, err := requiredStruct(s, fieldFailure)
		if err != nil {
			return r, err
		}
		kind, err := requiredString(fs, fieldKind)
		if err != nil {
			return r, err
		}
		msg, err := optionalString(fs, fieldMessage)
		if err != nil {
			return r, err
		}
		r.Failure = &models.Failure{Kind: models.FailureKind(kind), Message: msg}
	}
	return r, nil
}

func encodeAccepted(accepted bool) *structpb.Struct {
	return structOf(map[string]*structpb.Value{
		fieldAccepted: structpb.NewBoolValue(accepted),
	})
}

func encodeVector(v models.NamedVector) *structpb.Value {
	names := make([]*structpb.Value, len(v.Names))
	for i, n := range v.Names {
		names[i] = structpb.NewStringValue(n)
	}
	values := make([]*structpb.Value, len(v.Values))
	for i, x := range v.Values {
		values[i] = structpb.NewNumberValue(x)
	}
	return structpb.NewStructValue(structOf(map[string]*structpb.Value{
		fieldNames:  structpb.NewListValue(&structpb.ListValue{Values: names}),
		fieldValues: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}))
}

func decodeVector(s *structpb.Struct, key string) (models.NamedVector, error) {
	vs, err := requiredStruct(s, key)
	if err != nil {
		return models.NamedVector{}, err
	}
	namesList, ok := vs.GetFields()[fieldNames].GetKind().(*structpb.Value_ListValue)
	if !ok {
		return models.NamedVector{}, fmt.Errorf("%w: %s.%s must be a list", ErrMalformedMessage, key, fieldNames)
	}
	valuesList, ok := vs.GetFields()[fieldValues].GetKind().(*structpb.Value_ListValue)
	if !ok {
		return models.NamedVector{}, fmt.Errorf("%w: %s.%s must be a list", ErrMalformedMessage, key, fieldValues)
	}

	names := make([]string, 0, len(namesList.ListValue.GetValues()))
	for _, v := range namesList.ListValue.GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return models.NamedVector{}, fmt.Errorf("%w: %s.%s entries must be strings", ErrMalformedMessage, key, fieldNames)
		}
		names = append(names, sv.StringValue)
	}
	values := make([]float64, 0, len(valuesList.ListValue.GetValues()))
	for _, v := range valuesList.ListValue.GetValues() {
		nv, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return models.NamedVector{}, fmt.Errorf("%w: %s.%s entries must be numbers", ErrMalformedMessage, key, fieldValues)
		}
		values = append(values, nv.NumberValue)
	}

	vec, err := models.NewNamedVector(names, values)
	if err != nil {
		return models.NamedVector{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return vec, nil
}

func structOf(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func requiredString(s *structpb.Struct, key string) (string, error) {
	sv, ok := s.GetFields()[key].GetKind().(*structpb.Value_StringValue)
	if !ok || sv.StringValue == "" {
		return "", fmt.Errorf("%w: %s is required", ErrMalformedMessage, key)
	}
	return sv.StringValue, nil
}

func optionalString(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedMessage, key)
	}
	return sv.StringValue, nil
}

func requiredNumber(s *structpb.Struct, key string) (float64, error) {
	nv, ok := s.GetFields()[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrMalformedMessage, key)
	}
	return nv.NumberValue, nil
}

func requiredInt(s *structpb.Struct, key string) (int, error) {
	n, err := requiredNumber(s, key)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrMalformedMessage, key)
	}
	return int(n), nil
}

func requiredBool(s *structpb.Struct, key string) (bool, error) {
	bv, ok := s.GetFields()[key].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a bool", ErrMalformedMessage, key)
	}
	return bv.BoolValue, nil
}

func requiredStruct(s *structpb.Struct, key string) (*structpb.Struct, error) {
	sv, ok := s.GetFields()[key].GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrMalformedMessage, key)
	}
	return sv.StructValue, nil
}

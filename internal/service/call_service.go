package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"agora/internal/events"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
	"agora/internal/repository"

	"github.com/google/uuid")

// Answers accepted by CallService.Answer.
const (
	AnswerAccept  = "accept"
	AnswerDecline = "decline"
)

// CallService tracks call sessions and relays signaling between peers.
// It never inspects signaling payloads.
type CallService struct {
	calls     repository.CallRepository
	groups    repository.GroupRepository
	users     repository.UserRepository
	presence  Presence
	publisher events.Publisher
	now       func() time.Time
	// locks orders state transitions on the same call.
	locks keyedLocker
}

type InitiateCallInput struct {
	CallerID   uint
	ReceiverID *uint
	GroupID    *uint
	CallType   models.CallType
}

// IncomingCallPayload is the body of incomingCall.
type IncomingCallPayload struct {
	Call   *models.Call `json:"call"`
	Caller *models.User `json:"caller"`
}

// CallAnsweredPayload is the body of callAnswered.
type CallAnsweredPayload struct {
	CallID        uint         `json:"callId"`
	ParticipantID uint         `json:"participantId"`
	Answer        string       `json:"answer"`
	Call          *models.Call `json:"call"`
}

// CallEndedPayload is the body of callEnded.
type CallEndedPayload struct {
	CallID uint         `json:"callId"`
	Call   *models.Call `json:"call"`
}

// CallSignalPayload is the body of callSignal.
type CallSignalPayload struct {
	FromUserID uint            `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

func NewCallService(
	calls repository.CallRepository,
	groups repository.GroupRepository,
	users repository.UserRepository,
	presence Presence,
	publisher events.Publisher,
) *CallService {
	return &CallService{
		calls:     calls,
		groups:    groups,
		users:     users,
		presence:  presence,
		publisher: publisher,
		now:       time.Now,
	}
}

// Initiate starts a ringing call and alerts every connected callee.
func (s *CallService) Initiate(ctx context.Context, in InitiateCallInput) (*models.Call, error) {
	span, ctx := observability.NewSpan(ctx, "CallService.Initiate",
		observability.IDAttr("caller", in.CallerID))
	defer span.End()

	if (in.ReceiverID == nil) == (in.GroupID == nil) {
		return nil, models.NewValidationError("Call must target exactly one of receiver or group")
	}
	if !in.CallType.Valid() {
		return nil, models.NewValidationError("Call type must be audio or video")
	}

	caller, err := s.users.GetByID(ctx, in.CallerID)
	if err != nil {
		return nil, err
	}

	var callees []uint
	if in.GroupID != nil {
		group, err := s.groups.GetByID(ctx, *in.GroupID)
		if err != nil {
			return nil, err
		}
		if !group.HasMember(in.CallerID) {
			return nil, models.NewForbiddenError("You are not a member of this group")
		}
		callees = without(group.MemberIDs(), in.CallerID)
		if len(callees) == 0 {
			return nil, models.NewValidationError("Group has nobody else to call")
		}
	} else {
		if *in.ReceiverID == in.CallerID {
			return nil, models.NewValidationError("Cannot call yourself")
		}
		if _, err := s.users.GetByID(ctx, *in.ReceiverID); err != nil {
			return nil, err
		}
		callees = []uint{*in.ReceiverID}
	}

	now := s.now()
	call := &models.Call{
		CallerID:   in.CallerID,
		ReceiverID: in.ReceiverID,
		GroupID:    in.GroupID,
		CallType:   in.CallType,
		Status:     models.CallRinging,
		RoomID:     "call_" + uuid.NewString(),
		StartedAt:  now,
		Participants: []models.CallParticipant{
			{UserID: in.CallerID, Status: models.ParticipantJoined, JoinedAt: &now},
		},
	}
	for _, id := range callees {
		call.Participants = append(call.Participants, models.CallParticipant{UserID: id, Status: models.ParticipantRinging})
	}
	if err := s.calls.Create(ctx, call); err != nil {
		span.SetError(err)
		return nil, err
	}
	observability.CallTransitions.WithLabelValues(string(call.Status)).Inc()

	payload := IncomingCallPayload{Call: call, Caller: caller}
	for _, id := range callees {
		deliver(ctx, s.presence, id, realtime.EventIncomingCall, payload)
	}
	events.Emit(ctx, s.publisher, events.CallStarted, call)
	return call, nil
}

// Answer records a callee's accept or decline.
func (s *CallService) Answer(ctx context.Context, callID, userID uint, answer string) (*models.Call, error) {
	if answer != AnswerAccept && answer != AnswerDecline {
		return nil, models.NewValidationError("Answer must be accept or decline")
	}

	span, ctx := observability.NewSpan(ctx, "CallService.Answer",
		observability.IDAttr("call", callID), observability.IDAttr("user", userID))
	defer span.End()

	unlock := s.locks.Lock(callKey(callID))
	defer unlock()

	call, p, err := s.participantCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return nil, models.NewValidationError("Call has already ended")
	}
	if userID == call.CallerID {
		return nil, models.NewValidationError("The caller cannot answer their own call")
	}
	// A participant answers once. Leaving or declining is final.
	if p.Status != models.ParticipantRinging {
		return nil, models.NewValidationError("You have already answered this call")
	}

	now := s.now()
	if answer == AnswerAccept {
		p.Status = models.ParticipantJoined
		p.JoinedAt = &now
		call.Status = models.CallOngoing
	} else {
		p.Status = models.ParticipantDeclined
		if call.CountWithStatus(models.ParticipantDeclined) == len(call.Participants)-1 {
			call.Status = models.CallDeclined
			call.EndedAt = &now
		}
	}
	if err := s.calls.Save(ctx, call); err != nil {
		return nil, err
	}
	observability.CallTransitions.WithLabelValues(string(call.Status)).Inc()

	deliver(ctx, s.presence, call.CallerID, realtime.EventCallAnswered, CallAnsweredPayload{
		CallID:        call.ID,
		ParticipantID: userID,
		Answer:        answer,
		Call:          call,
	})
	if call.Status == models.CallDeclined {
		s.notifyEnded(ctx, call)
	}
	return call, nil
}

// End removes the caller's participant from the call. The call itself
// ends once at most one participant remains joined.
func (s *CallService) End(ctx context.Context, callID, userID uint) (*models.Call, error) {
	span, ctx := observability.NewSpan(ctx, "CallService.End",
		observability.IDAttr("call", callID), observability.IDAttr("user", userID))
	defer span.End()

	unlock := s.locks.Lock(callKey(callID))
	defer unlock()

	call, p, err := s.participantCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return nil, models.NewValidationError("Call has already ended")
	}
	if p.Status == models.ParticipantLeft || p.Status == models.ParticipantDeclined {
		return nil, models.NewValidationError("You are no longer in this call")
	}

	now := s.now()
	p.Status = models.ParticipantLeft
	p.LeftAt = &now

	if call.CountWithStatus(models.ParticipantJoined) <= 1 {
		call.EndedAt = &now
		if call.AnyCalleeJoined() {
			call.Status = models.CallEnded
			call.Duration = int(now.Sub(call.StartedAt).Seconds())
		} else {
			call.Status = models.CallMissed
		}
		for i := range call.Participants {
			if call.Participants[i].Status == models.ParticipantJoined {
				call.Participants[i].Status = models.ParticipantLeft
				call.Participants[i].LeftAt = &now
			}
		}
	}
	if err := s.calls.Save(ctx, call); err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		observability.CallTransitions.WithLabelValues(string(call.Status)).Inc()
	}

	s.notifyEnded(ctx, call)
	return call, nil
}

// RelaySignal forwards an opaque signaling payload between two connected users.
func (s *CallService) RelaySignal(ctx context.Context, fromUserID, toUserID uint, payload json.RawMessage) error {
	if fromUserID == toUserID {
		return models.NewValidationError("Cannot signal yourself")
	}
	if len(payload) == 0 {
		return models.NewValidationError("Signal payload is required")
	}
	if !s.presence.IsOnline(fromUserID) {
		return models.NewValidationError("Sender must be connected to signal")
	}

	err := s.presence.EmitToUser(ctx, toUserID, realtime.EventCallSignal, CallSignalPayload{
		FromUserID: fromUserID,
		Payload:    payload,
	})
	if errors.Is(err, realtime.ErrNotConnected) {
		return models.NewNotFoundError("Connected user", toUserID)
	}
	return err
}

// Get returns a call the user takes part in.
func (s *CallService) Get(ctx context.Context, callID, userID uint) (*models.Call, error) {
	call, _, err := s.participantCall(ctx, callID, userID)
	return call, err
}

func (s *CallService) History(ctx context.Context, userID uint, limit int) ([]*models.Call, error) {
	return s.calls.ListForUser(ctx, userID, limit)
}

func (s *CallService) participantCall(ctx context.Context, callID, userID uint) (*models.Call, *models.CallParticipant, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	p := call.Participant(userID)
	if p == nil {
		return nil, nil, models.NewForbiddenError("You are not a participant in this call")
	}
	return call, p, nil
}

func callKey(callID uint) string {
	return "call:" + strconv.FormatUint(uint64(callID), 10)
}

func (s *CallService) notifyEnded(ctx context.Context, call *models.Call) {
	payload := CallEndedPayload{CallID: call.ID, Call: call}
	for _, id := range call.ParticipantIDs() {
		deliver(ctx, s.presence, id, realtime.EventCallEnded, payload)
	}
	if call.Status.Terminal() {
		events.Emit(ctx, s.publisher, events.CallEnded, call)
	}
}

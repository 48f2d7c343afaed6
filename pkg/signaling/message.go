// Package signaling сообщения сигнализации и контракт канала доставки.
//
// Сообщение это размеченное объединение Offer | Answer | IceCandidate | Bye.
// На проводе оно выглядит как JSON объект
//
//	{"type":"offer","sessionId":"call-…","sourceId":"alice","targetId":"bob","payload":{…}}
//
// где payload это SDP описание для offer/answer, ICE кандидат для
// ice-candidate и отсутствует для bye. Транспорты проверяют сообщения на
// границе через Decode, до ядра доходят только корректные сообщения.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arzzra/callcore/pkg/media"
)

// Type тип сообщения сигнализации
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeIceCandidate Type = "ice-candidate"
	TypeBye          Type = "bye"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeIceCandidate, TypeBye:
		return true
	}
	return false
}

// ErrInvalidMessage сообщение не прошло проверку
var ErrInvalidMessage = errors.New("invalid signaling message")

// Party сведения о звонящем, передаются вместе с offer
type Party struct {
	DisplayName string `json:"displayName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Message сообщение сигнализации.
//
// Заполнено ровно одно из полей полезной нагрузки в зависимости от Type:
// Description для offer/answer, Candidate для ice-candidate.
type Message struct {
	Type      Type
	SessionID string
	SourceID  string
	TargetID  string

	Description *media.SessionDescription
	Candidate   *media.ICECandidate
	// Caller только для offer
	Caller *Party
}

type wireMessage struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	SourceID  string          `json:"sourceId"`
	TargetID  string          `json:"targetId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Caller    *Party          `json:"caller,omitempty"`
}

// NewOffer сообщение с предложением вызова
func NewOffer(sessionID, source, target string, desc media.SessionDescription, caller *Party) Message {
	return Message{Type: TypeOffer, SessionID: sessionID, SourceID: source, TargetID: target, Description: &desc, Caller: caller}
}

// NewAnswer ответ на предложение
func NewAnswer(sessionID, source, target string, desc media.SessionDescription) Message {
	return Message{Type: TypeAnswer, SessionID: sessionID, SourceID: source, TargetID: target, Description: &desc}
}

// NewIceCandidate локальный кандидат для удаленной стороны
func NewIceCandidate(sessionID, source, target string, cand media.ICECandidate) Message {
	return Message{Type: TypeIceCandidate, SessionID: sessionID, SourceID: source, TargetID: target, Candidate: &cand}
}

// NewBye завершение вызова
func NewBye(sessionID, source, target string) Message {
	return Message{Type: TypeBye, SessionID: sessionID, SourceID: source, TargetID: target}
}

// Validate проверяет обязательные поля и полезную нагрузку.
// SDP в offer/answer разбирается и должно содержать хотя бы одну m-строку.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: empty sessionId", ErrInvalidMessage)
	}
	if m.SourceID == "" || m.TargetID == "" {
		return fmt.Errorf("%w: sourceId and targetId are required", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.Description == nil {
			return fmt.Errorf("%w: %s without description", ErrInvalidMessage, m.Type)
		}
		if string(m.Description.Type) != string(m.Type) {
			return fmt.Errorf("%w: %s carries %q description", ErrInvalidMessage, m.Type, m.Description.Type)
		}
		if _, err := MediaKinds(m.Description.SDP); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	case TypeIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
	}
	return nil
}

// MarshalJSON кодирует сообщение в проводной формат
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Type:      m.Type,
		SessionID: m.SessionID,
		SourceID:  m.SourceID,
		TargetID:  m.TargetID,
		Caller:    m.Caller,
	}

	var payload any
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.Description != nil {
			payload = m.Description
		}
	case TypeIceCandidate:
		if m.Candidate != nil {
			payload = m.Candidate
		}
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON разбирает проводной формат. Проверка полей выполняется
// отдельно в Validate.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*m = Message{
		Type:      w.Type,
		SessionID: w.SessionID,
		SourceID:  w.SourceID,
		TargetID:  w.TargetID,
		Caller:    w.Caller,
	}

	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}
	switch w.Type {
	case TypeOffer, TypeAnswer:
		var desc media.SessionDescription
		if err := json.Unmarshal(w.Payload, &desc); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		m.Description = &desc
	case TypeIceCandidate:
		var cand media.ICECandidate
		if err := json.Unmarshal(w.Payload, &cand); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		m.Candidate = &cand
	}
	return nil
}

// Encode проверяет и кодирует сообщение
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode разбирает и проверяет сообщение, полученное из транспорта
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

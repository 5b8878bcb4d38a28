package domain

import (
	"fmt"

	"github.com/anchormesh/anchormesh/internal/services/exchange/storage"
)

// ToRecord flattens a message into its stored form. The mapping is
// lossless: FromRecord(ToRecord(m)) yields m back.
func ToRecord(m Message) storage.MessageRecord {
	return storage.MessageRecord{
		Author:           m.Author,
		Recipient:        m.Recipient,
		Link:             m.Link,
		Permalink:        m.Permalink,
		SigPubKey:        m.SigPubKey.String(),
		Time:             m.Time,
		Seq:              m.Seq,
		Inbound:          m.Inbound,
		PayloadLink:      m.Payload.Link,
		PayloadPermalink: m.Payload.Permalink,
		PayloadAuthor:    m.Payload.Author,
		PayloadSigPubKey: m.Payload.SigPubKey.String(),
		PayloadType:      m.Payload.Type,
		Body:             m.Body,
	}
}

// FromRecord rebuilds a message from its stored form.
func FromRecord(record storage.MessageRecord) (Message, error) {
	sigPubKey, err := ParsePubKey(record.SigPubKey)
	if err != nil {
		return Message{}, fmt.Errorf("message signing key: %w", err)
	}
	payloadSigPubKey, err := ParsePubKey(record.PayloadSigPubKey)
	if err != nil {
		return Message{}, fmt.Errorf("payload signing key: %w", err)
	}
	return Message{
		Author:    record.Author,
		Recipient: record.Recipient,
		Link:      record.Link,
		Permalink: record.Permalink,
		SigPubKey: sigPubKey,
		Time:      record.Time,
		Seq:       record.Seq,
		Inbound:   record.Inbound,
		Payload: Payload{
			Link:      record.PayloadLink,
			Permalink: record.PayloadPermalink,
			Author:    record.PayloadAuthor,
			SigPubKey: payloadSigPubKey,
			Type:      record.PayloadType,
		},
		Body: record.Body,
	}, nil
}

func fromRecords(records []storage.MessageRecord) ([]Message, error) {
	if len(records) == 0 {
		return nil, nil
	}
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		message, err := FromRecord(record)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

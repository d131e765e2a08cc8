package mbox

import (
	"context"
	"log/slog"

	"github.com/dhcgn/mailtool/model"
)

// Pipeline is the part of the import runner a Producer feeds.
type Pipeline interface {
	AddStage(name string, fn func(context.Context) error)
	MailboxWriter() chan<- model.Envelope
	CloseMailbox()
}

// Producer streams an mbox into a Pipeline as its "mbox" stage.
type Producer struct {
	reader   Reader
	pipeline Pipeline
}

func NewProducer(opts Options, p Pipeline, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, pipeline: p}
	p.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.pipeline.CloseMailbox()
	return p.reader.Stream(ctx, p.pipeline.MailboxWriter())
}

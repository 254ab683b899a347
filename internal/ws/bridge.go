package ws

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"load_projection/internal/model"
	"load_projection/internal/pipeline"
	"load_projection/internal/registry"
)

// Bridge implements pipeline.Observer and registry.Observer and broadcasts
// events to the WebSocket hub.
type Bridge struct {
	hub *Hub
	log logrus.FieldLogger
}

var (
	_ pipeline.Observer = (*Bridge)(nil)
	_ registry.Observer = (*Bridge)(nil)
)

func NewBridge(hub *Hub, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{hub: hub, log: log}
}

func (b *Bridge) broadcast(msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		b.log.WithField("type", msgType).WithError(err).Error("Error marshaling message")
		return
	}
	b.hub.Broadcast(msg)
}

func (b *Bridge) OnRunStarted(runID uuid.UUID, units []pipeline.Unit) {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.String()
	}
	b.broadcast(TypeRunStarted, RunStartedPayload{RunID: runID.String(), Units: names})
}

func (b *Bridge) OnStage(runID uuid.UUID, u pipeline.Unit, stage model.Stage) {
	b.broadcast(TypeRunStage, StagePayload{RunID: runID.String(), Unit: u.String(), Stage: string(stage)})
}

func (b *Bridge) OnUnitDone(runID uuid.UUID, res *pipeline.UnitResult) {
	b.broadcast(TypeUnitDone, UnitDoneFromResult(runID.String(), res))
}

func (b *Bridge) OnRunDone(rep *pipeline.RunReport) {
	b.broadcast(TypeRunDone, RunDoneFromReport(rep))
}

func (b *Bridge) RegionTrained(o *registry.Outcome) {
	b.broadcast(TypeRegionTrained, RegionTrainedFromOutcome(o))
}

func (b *Bridge) RegionFailed(f model.Failure) {
	b.broadcast(TypeRegionFailed, FailureFromModel(f))
}

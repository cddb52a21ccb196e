package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/plexusd/internal/logctx"
	"github.com/ggoodman/plexusd/plexus"
	"github.com/ggoodman/plexusd/storage"
)

const wizardStateKey = "interactive.wizard.state"

// wizardStateTTL bounds how long an abandoned wizard's progress lingers
// in storage before it is eligible for eviction.
const wizardStateTTL = 10 * time.Minute

func saveWizardState(ctx context.Context, st wizardState) {
	store, ok := storage.FromContext(ctx)
	if !ok {
		return
	}
	sd, ok := logctx.SessionDataFromContext(ctx)
	if !ok {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = store.Set(ctx, wizardStateKey, data, storage.WithUserSession(sd.UserID, sd.SessionID), storage.WithTTL(wizardStateTTL))
}

func clearWizardState(ctx context.Context) {
	store, ok := storage.FromContext(ctx)
	if !ok {
		return
	}
	sd, ok := logctx.SessionDataFromContext(ctx)
	if !ok {
		return
	}
	_ = store.Delete(ctx, storage.WithUserSession(sd.UserID, sd.SessionID), storage.WithKey(wizardStateKey))
}

// Interactive demonstrates the bidirectional channel's three ubiquitous UI
// intents. It holds no state of its own; every call is independent.
type Interactive struct{}

// New constructs the interactive activation.
func New() *Interactive {
	return &Interactive{}
}

func (i *Interactive) Definition() plexus.ActivationDefinition {
	reqSchema, respSchema := plexus.ReflectStandardSchemas()
	return plexus.ActivationDefinition{
		Namespace:   "interactive",
		Version:     "1.0.0",
		Description: "Interactive methods demonstrating bidirectional communication",
		Methods: []plexus.Method{
			{
				Name:           "wizard",
				Description:    "Multi-step setup wizard demonstrating all bidirectional patterns",
				ResultSchema:   plexus.ReflectSchema[WizardEvent](),
				Streaming:      true,
				Bidirectional:  true,
				RequestSchema:  reqSchema,
				ResponseSchema: respSchema,
				Handler:        i.wizard,
			},
			{
				Name:           "delete",
				Description:    "Delete files with confirmation before a destructive operation",
				ParamsSchema:   plexus.ReflectSchema[DeleteParams](),
				ResultSchema:   plexus.ReflectSchema[DeleteEvent](),
				Streaming:      true,
				Bidirectional:  true,
				RequestSchema:  reqSchema,
				ResponseSchema: respSchema,
				Handler:        i.delete,
			},
			{
				Name:           "confirm",
				Description:    "Simple yes/no confirmation, useful for testing bidirectional wiring",
				ParamsSchema:   plexus.ReflectSchema[ConfirmParams](),
				ResultSchema:   plexus.ReflectSchema[ConfirmEvent](),
				Bidirectional:  true,
				RequestSchema:  reqSchema,
				ResponseSchema: respSchema,
				Handler:        i.confirm,
			},
		},
	}
}

// bidirErrorMessage renders a channel error the way an activation should
// present it to a human: NotSupported, Timeout and Cancelled each get a
// specific message, everything else falls back to its own message.
func bidirErrorMessage(err error) string {
	switch {
	case errors.Is(err, plexus.ErrNotSupported):
		return "Interactive mode required. Use a bidirectional transport."
	case errors.Is(err, plexus.ErrTimeout):
		return "Timed out waiting for a response."
	case errors.Is(err, plexus.ErrCancelled):
		return "Cancelled."
	default:
		return err.Error()
	}
}

func (i *Interactive) wizard(ctx context.Context, call *plexus.Call) {
	emit := func(ev WizardEvent) { call.Sink.Data(ctx, "interactive.wizard", ev) }
	defer clearWizardState(ctx)

	emit(WizardEvent{Event: WizardStarted})
	saveWizardState(ctx, wizardState{Step: WizardStarted})

	name, err := plexus.Prompt(ctx, call.Channel, "Enter project name:", nil, "", plexus.TimeoutNormal)
	switch {
	case errors.Is(err, plexus.ErrCancelled):
		emit(WizardEvent{Event: WizardCancelled})
		call.Sink.Done(ctx)
		return
	case err != nil:
		emit(WizardEvent{Event: WizardError, Message: bidirErrorMessage(err)})
		call.Sink.Done(ctx)
		return
	case name == "":
		emit(WizardEvent{Event: WizardError, Message: "Name cannot be empty"})
		call.Sink.Done(ctx)
		return
	}
	emit(WizardEvent{Event: WizardNameCollected, Name: name})
	saveWizardState(ctx, wizardState{Step: WizardNameCollected, Name: name})

	templates := []string{"minimal", "full", "api"}
	selected, err := plexus.Select(ctx, call.Channel, "Choose template:", templates, false, plexus.TimeoutNormal)
	switch {
	case errors.Is(err, plexus.ErrCancelled):
		emit(WizardEvent{Event: WizardCancelled})
		call.Sink.Done(ctx)
		return
	case err != nil:
		emit(WizardEvent{Event: WizardError, Message: bidirErrorMessage(err)})
		call.Sink.Done(ctx)
		return
	case len(selected) == 0:
		emit(WizardEvent{Event: WizardError, Message: "No template selected"})
		call.Sink.Done(ctx)
		return
	}
	template := selected[0]
	emit(WizardEvent{Event: WizardTemplateSelected, Template: template})
	saveWizardState(ctx, wizardState{Step: WizardTemplateSelected, Name: name, Template: template})

	confirmed, err := plexus.Confirm(ctx, call.Channel,
		fmt.Sprintf("Create project '%s' with '%s' template?", name, template), nil, plexus.TimeoutNormal)
	switch {
	case errors.Is(err, plexus.ErrCancelled):
		emit(WizardEvent{Event: WizardCancelled})
		call.Sink.Done(ctx)
		return
	case err != nil:
		emit(WizardEvent{Event: WizardError, Message: bidirErrorMessage(err)})
		call.Sink.Done(ctx)
		return
	case !confirmed:
		emit(WizardEvent{Event: WizardCancelled})
		call.Sink.Done(ctx)
		return
	}

	emit(WizardEvent{Event: WizardCreated, Name: name, Template: template})
	emit(WizardEvent{Event: WizardDone})
	call.Sink.Done(ctx)
}

func (i *Interactive) delete(ctx context.Context, call *plexus.Call) {
	emit := func(ev DeleteEvent) { call.Sink.Data(ctx, "interactive.delete", ev) }

	var params DeleteParams
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			call.Sink.Error(ctx, err.Error(), false)
			return
		}
	}

	if len(params.Paths) == 0 {
		emit(DeleteEvent{Event: DeleteDone})
		call.Sink.Done(ctx)
		return
	}

	message := fmt.Sprintf("Delete '%s'?", params.Paths[0])
	if len(params.Paths) > 1 {
		message = fmt.Sprintf("Delete %d files?", len(params.Paths))
	}

	confirmed, err := plexus.Confirm(ctx, call.Channel, message, nil, plexus.TimeoutNormal)
	if err != nil || !confirmed {
		emit(DeleteEvent{Event: DeleteCancelled})
		call.Sink.Done(ctx)
		return
	}

	for _, path := range params.Paths {
		// A real implementation would delete the file here.
		emit(DeleteEvent{Event: DeleteDeleted, Path: path})
	}
	emit(DeleteEvent{Event: DeleteDone})
	call.Sink.Done(ctx)
}

func (i *Interactive) confirm(ctx context.Context, call *plexus.Call) {
	var params ConfirmParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		call.Sink.Error(ctx, err.Error(), false)
		return
	}

	confirmed, err := plexus.Confirm(ctx, call.Channel, params.Message, nil, plexus.TimeoutNormal)
	switch {
	case err != nil:
		call.Sink.Data(ctx, "interactive.confirm", ConfirmEvent{Event: ConfirmError, Message: bidirErrorMessage(err)})
	case confirmed:
		call.Sink.Data(ctx, "interactive.confirm", ConfirmEvent{Event: ConfirmConfirmed})
	default:
		call.Sink.Data(ctx, "interactive.confirm", ConfirmEvent{Event: ConfirmDeclined})
	}
	call.Sink.Done(ctx)
}

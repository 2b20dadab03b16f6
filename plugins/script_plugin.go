package plugins

import (
	"errors"
	"fmt"

	"github.com/kingrea/pype/internal/publish"
)

// errInvalid marks a script failure as a validation failure.
type errInvalid struct{ msg string }

func (e errInvalid) Error() string { return e.msg }

// scriptPlugin adapts an interpreted process function. The function sees a
// plain document: the instance document for instance scope, the context data
// otherwise. Changes to the document are written back after the call. Keys
// the script removes are removed from the instance data, and representation
// entries past the original count are appended.
type scriptPlugin struct {
	spec publish.Spec
	call func(data map[string]any) error
}

func (p *scriptPlugin) Spec() publish.Spec {
	return p.spec
}

func (p *scriptPlugin) Process(inv *publish.Invocation) error {
	var data map[string]any
	known := 0
	if inv.Instance != nil {
		data = inv.Instance.Document()
		known = len(inv.Instance.Representations)
	} else {
		if inv.Context.Data == nil {
			inv.Context.Data = map[string]any{}
		}
		data = inv.Context.Data
	}
	err := p.call(data)
	if inv.Instance != nil {
		if applyErr := writeBack(inv.Instance, data, known); applyErr != nil && err == nil {
			err = applyErr
		}
	}
	if err == nil {
		return nil
	}
	var invalid errInvalid
	if errors.As(err, &invalid) || (p.spec.Stage() == publish.StageValidate && publish.ClassifyError(err) == publish.KindError && !isPanic(err)) {
		return publish.Invalid(nil, "%s", err.Error())
	}
	return err
}

func writeBack(inst *publish.Instance, data map[string]any, known int) error {
	for key := range inst.Data {
		if _, present := data[key]; !present {
			delete(inst.Data, key)
		}
	}
	inst.ApplyDocument(data)
	entries, _ := data["representations"].([]any)
	if len(entries) <= known {
		return nil
	}
	if err := inst.AppendRepresentations(entries[known:]); err != nil {
		return fmt.Errorf("plugin: %w", err)
	}
	return nil
}

func isPanic(err error) bool {
	var perr *publish.PanicError
	return errors.As(err, &perr)
}

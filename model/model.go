package model

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/jmorganca/whisper/fs"
	"github.com/jmorganca/whisper/logutil"
	"github.com/jmorganca/whisper/ml"
	_ "github.com/jmorganca/whisper/ml/backend"
)

// Model is an architecture bound to the parameters of a backend
type Model interface {
	Backend() ml.Backend
}

// Base is embedded by every model and carries its backend
type Base struct {
	b ml.Backend
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register adds the constructor for an architecture. Architectures
// register themselves from init.
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a new model instance for the architecture described by the
// backend configuration and binds every tensor field to the backend's
// parameters.
func New(b ml.Backend) (Model, error) {
	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

// Load creates a backend for m and a model on top of it
func Load(m *fs.Model, params ml.BackendParams) (Model, error) {
	slog.Info("loading model", "architecture", m.KV.Architecture(), "parameters", len(m.Tensors))
	b, err := ml.NewBackend(m, params)
	if err != nil {
		return nil, err
	}

	mm, err := New(b)
	if err != nil {
		b.Close()
		return nil, err
	}

	return mm, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("gguf"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == baseType {
				vv.Set(reflect.ValueOf(base))
			} else if tt == tensorType {
				// the first candidate the backend holds wins, so an alternate
				// name ties the field to another parameter
				for _, name := range names(tagsCopy) {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						logutil.Trace("bound parameter", "name", strings.Join(name, "."))
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

// names expands tags into every candidate parameter name, primary names first
func names(tags []Tag) (values [][]string) {
	if len(tags) < 1 {
		return nil
	}

	values = [][]string{{tags[0].Name}}
	for _, alt := range tags[0].Alternate {
		values = append(values, []string{alt})
	}

	for i, value := range values {
		for _, rest := range names(tags[1:]) {
			value = append(value, rest...)
		}

		values[i] = value
	}

	return values
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

package model

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/jmorganca/whisper/ml"
)

var (
	tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()
	baseType   = reflect.TypeOf((*Base)(nil)).Elem()
)

// Parameter is a learnable tensor of a model, named by the gguf tags of the
// fields leading to it
type Parameter struct {
	Name   string
	Tensor ml.Tensor

	value reflect.Value
}

// Set replaces the tensor held by the model field
func (p Parameter) Set(t ml.Tensor) {
	p.value.Set(reflect.ValueOf(t))
}

// Parameters lists the tensors of m in declaration order. m must be a pointer
// to a model struct. Unset tensor fields are skipped and alternate names are
// ignored, so a tied parameter is listed under each field that holds it.
func Parameters(m any) []Parameter {
	var params []Parameter

	var walk func(reflect.Value, []Tag)
	walk = func(v reflect.Value, tags []Tag) {
		switch v.Kind() {
		case reflect.Pointer:
			if !v.IsNil() {
				walk(v.Elem(), tags)
			}
		case reflect.Interface:
			if v.IsNil() || v.Type() != tensorType || len(tags) == 0 {
				return
			}

			params = append(params, Parameter{
				Name:   strings.Join(names(tags)[0], "."),
				Tensor: v.Interface().(ml.Tensor),
				value:  v,
			})
		case reflect.Struct:
			t := v.Type()
			for i := range t.NumField() {
				f := t.Field(i)
				if !f.IsExported() || f.Type == baseType {
					continue
				}

				tagsCopy := tags
				if tag := f.Tag.Get("gguf"); tag != "" {
					tagsCopy = append(tagsCopy, ParseTags(tag))
				}

				walk(v.Field(i), tagsCopy)
			}
		case reflect.Slice, reflect.Array:
			for i := range v.Len() {
				walk(v.Index(i), append(tags, Tag{Name: strconv.Itoa(i)}))
			}
		}
	}

	walk(reflect.ValueOf(m), nil)
	return params
}

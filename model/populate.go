package model

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/vidgen/ml"
)

// Populate fills the *ml.Tensor fields of the struct v points to from w.
// Tensor names are the `st` tags of the enclosing fields joined with dots;
// nested structs, pointers to structs and slices or arrays of either add to
// the name, slice elements by index. A tag may list alternate names as
// "alt:name" and mark a field "optional". Tensor fields without a tag are
// left alone.
func Populate(w ml.Weights, v any, prefix ...string) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("populate: want a pointer to a struct, got %T", v)
	}

	var tags []Tag
	for _, p := range prefix {
		tags = append(tags, Tag{Name: p})
	}

	var errs []error
	populateFields(w, rv.Elem(), tags, &errs)
	return errors.Join(errs...)
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil))

func populateFields(w ml.Weights, v reflect.Value, tags []Tag, errs *[]error) {
	t := v.Type()
	for i := range t.NumField() {
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		tag := t.Field(i).Tag.Get("st")
		if tag == "-" || (tag == "" && vv.Type() == tensorType) {
			continue
		}

		// make a copy
		tagsCopy := tags
		if tag != "" {
			tagsCopy = append(slices.Clip(tags), ParseTags(tag))
		}

		populateValue(w, vv, tagsCopy, errs)
	}
}

func populateValue(w ml.Weights, v reflect.Value, tags []Tag, errs *[]error) {
	switch t := v.Type(); {
	case t == tensorType:
		if len(tags) == 0 {
			return
		}

		names := tensorNames(tags)
		for _, name := range names {
			if tensor, ok := w[name]; ok {
				v.Set(reflect.ValueOf(tensor))
				return
			}
		}

		if !optional(tags) {
			*errs = append(*errs, fmt.Errorf("missing weight %q", names[0]))
		}
	case t.Kind() == reflect.Struct:
		populateFields(w, v, tags, errs)
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		elem := v
		if v.IsNil() {
			elem = reflect.New(t.Elem())
		}
		populateFields(w, elem.Elem(), tags, errs)

		// an optional block with none of its tensors stays nil
		if v.IsNil() && (!optional(tags) || hasTensor(elem.Elem())) {
			v.Set(elem)
		}
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		for i := range v.Len() {
			populateValue(w, v.Index(i), append(slices.Clip(tags), Tag{Name: strconv.Itoa(i)}), errs)
		}
	}
}

// optional reports whether any tag on the path is marked optional.
func optional(tags []Tag) bool {
	return slices.ContainsFunc(tags, func(t Tag) bool { return t.Optional })
}

func hasTensor(v reflect.Value) bool {
	switch t := v.Type(); {
	case t == tensorType:
		return !v.IsNil()
	case t.Kind() == reflect.Struct:
		for i := range v.NumField() {
			if v.Field(i).CanSet() && hasTensor(v.Field(i)) {
				return true
			}
		}
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		return !v.IsNil() && hasTensor(v.Elem())
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		for i := range v.Len() {
			if hasTensor(v.Index(i)) {
				return true
			}
		}
	}
	return false
}

// tensorNames expands every combination of names and alternates, primary
// names first.
func tensorNames(tags []Tag) []string {
	var fn func([]Tag) [][]string
	fn = func(tags []Tag) (values [][]string) {
		if len(tags) < 1 {
			return nil
		}

		heads := append([]string{tags[0].Name}, tags[0].Alternate...)
		rest := fn(tags[1:])
		for _, head := range heads {
			if len(rest) == 0 {
				values = append(values, []string{head})
				continue
			}

			for _, r := range rest {
				values = append(values, append([]string{head}, r...))
			}
		}

		return values
	}

	var names []string
	for _, parts := range fn(tags) {
		names = append(names, strings.Join(slices.DeleteFunc(parts, func(s string) bool { return s == "" }), "."))
	}
	return names
}

type Tag struct {
	Name      string
	Alternate []string
	Optional  bool
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			} else if part == "optional" {
				tag.Optional = true
			}
		}
	}

	return
}

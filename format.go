package lazyarray

import (
	"context"
	"fmt"
	"strings"
)

// FormatOptions controls the text rendering of arrays and datasets
type FormatOptions struct {
	// MaxItems caps the values printed per array; zero prints all of them
	MaxItems int
	// ShowValues prints the values of concrete data. Lazy data is always
	// summarized by its blocks and never computed for display.
	ShowValues bool
	// ShowAttrs prints attributes
	ShowAttrs bool
}

// DefaultFormatOptions are the options String uses
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{MaxItems: 12, ShowValues: true, ShowAttrs: true}
}

func (a *DataArray) String() string { return a.Repr(DefaultFormatOptions()) }

// Repr renders a with explicit formatting options
func (a *DataArray) Repr(opts FormatOptions) string {
	var sb strings.Builder
	name := ""
	if a.name != "" {
		name = fmt.Sprintf(" %q", a.name)
	}
	fmt.Fprintf(&sb, "<lazyarray.DataArray%s (%s)>\n", name, dimSummary(a.dims, a.Sizes()))
	sb.WriteString(a.dataSummary(opts))
	sb.WriteByte('\n')
	writeCoords(&sb, a.dims, a.coords, opts)
	if opts.ShowAttrs {
		writeAttrs(&sb, a.attrs)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (a *DataArray) dataSummary(opts FormatOptions) string {
	if a.IsConcrete() && a.data.NumBlocks() == 1 && opts.ShowValues {
		if vals, err := a.data.Compute(context.Background(), nil); err == nil {
			return fmt.Sprintf("%s %s", a.DType(), vals.Format(opts.MaxItems))
		}
	}
	state := "lazy"
	if a.IsConcrete() {
		state = "computed"
	}
	return fmt.Sprintf("%s %s chunks=%s blocks=%d", state, a.DType(), a.data.Chunks(), a.data.NumBlocks())
}

func (ds *Dataset) String() string { return ds.Repr(DefaultFormatOptions()) }

// Repr renders ds with explicit formatting options
func (ds *Dataset) Repr(opts FormatOptions) string {
	var sb strings.Builder
	dims := ds.Dims()
	fmt.Fprintf(&sb, "<lazyarray.Dataset>\nDimensions: (%s)\n", dimSummary(dims, ds.Sizes()))
	writeCoords(&sb, dims, ds.coords, opts)
	if len(ds.names) > 0 {
		sb.WriteString("Data variables:\n")
		width := 0
		for _, n := range ds.names {
			width = max(width, len(n))
		}
		for _, n := range ds.names {
			v := ds.vars[n]
			fmt.Fprintf(&sb, "    %-*s (%s) %s\n", width, n, strings.Join(v.dims, ", "), v.dataSummary(opts))
		}
	}
	if opts.ShowAttrs {
		writeAttrs(&sb, ds.attrs)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func dimSummary(dims []string, sizes map[string]int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%s: %d", d, sizes[d])
	}
	return strings.Join(parts, ", ")
}

func writeCoords(sb *strings.Builder, dims []string, coords Coords, opts FormatOptions) {
	if len(coords) == 0 {
		return
	}
	sb.WriteString("Coordinates:\n")
	width := 0
	for _, d := range dims {
		width = max(width, len(d))
	}
	for _, d := range dims {
		c, ok := coords[d]
		if !ok {
			continue
		}
		vals := ""
		if opts.ShowValues {
			vals = " " + c.Format(opts.MaxItems)
		}
		fmt.Fprintf(sb, "  * %-*s (%s) %s%s\n", width, d, d, c.DType(), vals)
	}
}

func writeAttrs(sb *strings.Builder, attrs Attrs) {
	if len(attrs) == 0 {
		return
	}
	sb.WriteString("Attributes:\n")
	for _, k := range attrs.Keys() {
		fmt.Fprintf(sb, "    %s: %v\n", k, attrs[k])
	}
}

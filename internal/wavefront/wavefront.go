// Package wavefront parses Wavefront OBJ scenes and their MTL material libraries
// far enough to tell whether an uploaded model is well formed.
package wavefront

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const maxLineLength = 1 << 20

// Scene summarises a parsed OBJ file.
type Scene struct {
	Vertices  int
	TexCoords int
	Normals   int
	Faces     int
	Lines     int
	Points    int
	Objects   []string
	Libraries []string
	Materials map[string]*Material
}

// Material is one newmtl block of a material library.
type Material struct {
	Name     string
	Colors   map[string][]float64
	Scalars  map[string]float64
	Textures map[string]string
}

// ParseError reports a malformed statement.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Opener opens a material library referenced by an OBJ file.
type Opener func(name string) (io.ReadCloser, error)

// ParseFile parses the OBJ file at path. Material libraries are resolved
// relative to the directory of the OBJ file and may not escape it.
func ParseFile(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir := filepath.Dir(path)
	return Parse(filepath.Base(path), f, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	})
}

// Parse parses an OBJ stream named name, loading material libraries through open.
func Parse(name string, r io.Reader, open Opener) (*Scene, error) {
	scene := &Scene{Materials: make(map[string]*Material)}
	loaded := make(map[string]bool)

	err := scanStatements(name, r, func(line int, keyword string, args []string) error {
		fail := func(format string, a ...interface{}) error {
			return &ParseError{File: name, Line: line, Msg: fmt.Sprintf(format, a...)}
		}
		switch keyword {
		case "v":
			if len(args) < 3 {
				return fail("vertex needs at least 3 coordinates, got %d", len(args))
			}
			if err := parseFloats(args); err != nil {
				return fail("vertex: %v", err)
			}
			scene.Vertices++
		case "vt":
			if len(args) < 1 || len(args) > 3 {
				return fail("texture coordinate needs 1 to 3 values, got %d", len(args))
			}
			if err := parseFloats(args); err != nil {
				return fail("texture coordinate: %v", err)
			}
			scene.TexCoords++
		case "vn":
			if len(args) < 3 {
				return fail("normal needs 3 components, got %d", len(args))
			}
			if err := parseFloats(args[:3]); err != nil {
				return fail("normal: %v", err)
			}
			scene.Normals++
		case "vp":
			if err := parseFloats(args); err != nil {
				return fail("parameter vertex: %v", err)
			}
		case "f":
			if len(args) < 3 {
				return fail("face needs at least 3 vertices, got %d", len(args))
			}
			for _, ref := range args {
				if err := scene.checkRef(ref); err != nil {
					return fail("face: %v", err)
				}
			}
			scene.Faces++
		case "l":
			if len(args) < 2 {
				return fail("line needs at least 2 vertices, got %d", len(args))
			}
			for _, ref := range args {
				if err := scene.checkRef(ref); err != nil {
					return fail("line: %v", err)
				}
			}
			scene.Lines++
		case "p":
			if len(args) < 1 {
				return fail("point needs a vertex")
			}
			for _, ref := range args {
				if err := scene.checkRef(ref); err != nil {
					return fail("point: %v", err)
				}
			}
			scene.Points++
		case "o":
			scene.Objects = append(scene.Objects, strings.Join(args, " "))
		case "mtllib":
			if len(args) == 0 {
				return fail("mtllib without a file name")
			}
			use := func(lib string) error {
				lib = strings.ReplaceAll(lib, `\`, "/")
				if loaded[lib] {
					return nil
				}
				if !filepath.IsLocal(filepath.FromSlash(lib)) {
					return fmt.Errorf("material library %q is outside the model directory", lib)
				}
				if err := scene.loadLibrary(lib, open); err != nil {
					return fmt.Errorf("material library %q: %w", lib, err)
				}
				loaded[lib] = true
				scene.Libraries = append(scene.Libraries, lib)
				return nil
			}
			// File names may contain spaces; only a missing joined name
			// falls back to one library per argument.
			if len(args) > 1 {
				err := use(strings.Join(args, " "))
				if err == nil {
					break
				}
				if !errors.Is(err, fs.ErrNotExist) {
					return fail("%v", err)
				}
			}
			for _, lib := range args {
				if err := use(lib); err != nil {
					return fail("%v", err)
				}
			}
		case "usemtl":
			material := strings.Join(args, " ")
			if material == "" {
				return fail("usemtl without a material name")
			}
			if _, ok := scene.Materials[material]; !ok {
				return fail("unknown material %q", material)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scene, nil
}

// checkRef validates a v, v/vt, v//vn or v/vt/vn reference against the
// elements declared so far. Negative indices count back from the last one.
func (s *Scene) checkRef(ref string) error {
	parts := strings.Split(ref, "/")
	if len(parts) > 3 {
		return fmt.Errorf("malformed reference %q", ref)
	}
	counts := []int{s.Vertices, s.TexCoords, s.Normals}
	kinds := []string{"vertex", "texture coordinate", "normal"}
	for i, part := range parts {
		if part == "" {
			if i == 0 {
				return fmt.Errorf("malformed reference %q", ref)
			}
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("malformed reference %q", ref)
		}
		if idx < 0 {
			idx = counts[i] + idx + 1
		}
		if idx < 1 || idx > counts[i] {
			return fmt.Errorf("%s index %s out of range (have %d)", kinds[i], part, counts[i])
		}
	}
	return nil
}

func (s *Scene) loadLibrary(name string, open Opener) error {
	if open == nil {
		return fmt.Errorf("no material loader")
	}
	rc, err := open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	materials, err := ParseMaterials(name, rc)
	if err != nil {
		return err
	}
	for n, m := range materials {
		s.Materials[n] = m
	}
	return nil
}

// ParseMaterials parses an MTL material library.
func ParseMaterials(name string, r io.Reader) (map[string]*Material, error) {
	materials := make(map[string]*Material)
	var current *Material

	err := scanStatements(name, r, func(line int, keyword string, args []string) error {
		fail := func(format string, a ...interface{}) error {
			return &ParseError{File: name, Line: line, Msg: fmt.Sprintf(format, a...)}
		}
		if keyword == "newmtl" {
			if len(args) == 0 {
				return fail("newmtl without a name")
			}
			current = &Material{
				Name:     strings.Join(args, " "),
				Colors:   make(map[string][]float64),
				Scalars:  make(map[string]float64),
				Textures: make(map[string]string),
			}
			materials[current.Name] = current
			return nil
		}
		known := isColor(keyword) || isScalar(keyword) || isTexture(keyword)
		if !known {
			return nil
		}
		if current == nil {
			return fail("%s before newmtl", keyword)
		}
		switch {
		case isColor(keyword):
			if len(args) == 0 {
				return fail("%s needs a value", keyword)
			}
			if args[0] == "spectral" || args[0] == "xyz" {
				return nil
			}
			values := make([]float64, 0, len(args))
			for _, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fail("%s: invalid number %q", keyword, a)
				}
				values = append(values, v)
			}
			current.Colors[keyword] = values
		case isScalar(keyword):
			if len(args) == 0 {
				return fail("%s needs a value", keyword)
			}
			v, err := strconv.ParseFloat(args[len(args)-1], 64)
			if err != nil {
				return fail("%s: invalid number %q", keyword, args[len(args)-1])
			}
			current.Scalars[keyword] = v
		case isTexture(keyword):
			if len(args) == 0 {
				return fail("%s needs a file name", keyword)
			}
			current.Textures[keyword] = args[len(args)-1]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return materials, nil
}

func isColor(keyword string) bool {
	switch keyword {
	case "Ka", "Kd", "Ks", "Ke", "Tf":
		return true
	}
	return false
}

func isScalar(keyword string) bool {
	switch keyword {
	case "Ns", "Ni", "d", "Tr", "illum", "sharpness":
		return true
	}
	return false
}

func isTexture(keyword string) bool {
	return strings.HasPrefix(keyword, "map_") ||
		keyword == "bump" || keyword == "disp" || keyword == "decal" || keyword == "refl"
}

func parseFloats(args []string) error {
	for _, a := range args {
		if _, err := strconv.ParseFloat(a, 64); err != nil {
			return fmt.Errorf("invalid number %q", a)
		}
	}
	return nil
}

// scanStatements splits r into keyword/argument statements, dropping comments
// and joining lines continued with a trailing backslash.
func scanStatements(name string, r io.Reader, fn func(line int, keyword string, args []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineLength)

	lineNo, start := 0, 0
	var pending strings.Builder
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimRight(text, " \t\r")
		if pending.Len() == 0 {
			start = lineNo
		}
		if strings.HasSuffix(text, `\`) {
			pending.WriteString(strings.TrimSuffix(text, `\`))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(text)
		fields := strings.Fields(pending.String())
		pending.Reset()
		if len(fields) == 0 {
			continue
		}
		if err := fn(start, fields[0], fields[1:]); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &ParseError{File: name, Line: lineNo + 1, Msg: err.Error()}
	}
	if pending.Len() > 0 {
		fields := strings.Fields(pending.String())
		if len(fields) > 0 {
			return fn(start, fields[0], fields[1:])
		}
	}
	return nil
}

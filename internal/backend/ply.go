package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mapstack/scenegraph/internal/dsg"
	"gonum.org/v1/gonum/spatial/r3"
)

var errBadPLY = errors.New("malformed ply")

// writePLY writes mesh as ASCII PLY with a per-vertex stamp property. The
// archived count is kept in a comment so a reload restores the watermark.
func writePLY(w io.Writer, mesh *dsg.Mesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\n")
	fmt.Fprintf(bw, "comment archived_vertices %d\n", mesh.ArchivedVertices)
	fmt.Fprintf(bw, "element vertex %d\n", len(mesh.Vertices))
	fmt.Fprintf(bw, "property double x\nproperty double y\nproperty double z\nproperty uint64 stamp\n")
	fmt.Fprintf(bw, "element face %d\n", len(mesh.Faces))
	fmt.Fprintf(bw, "property list uchar uint vertex_indices\nend_header\n")
	for i, v := range mesh.Vertices {
		var stamp uint64
		if i < len(mesh.Stamps) {
			stamp = mesh.Stamps[i]
		}
		fmt.Fprintf(bw, "%s %s %s %d\n", ftoa(v.X), ftoa(v.Y), ftoa(v.Z), stamp)
	}
	for _, f := range mesh.Faces {
		fmt.Fprintf(bw, "3 %d %d %d\n", f[0], f[1], f[2])
	}
	return bw.Flush()
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// readPLY parses what writePLY produces. Meshes without a stamp property
// load with zero stamps.
func readPLY(data []byte) (*dsg.Mesh, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, fmt.Errorf("%w: missing magic", errBadPLY)
	}
	var (
		numVertices, numFaces, archived int
		element                         string
		vertexProps                     []string
	)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, fmt.Errorf("%w: only ascii is supported", errBadPLY)
			}
		case "comment":
			if len(fields) == 3 && fields[1] == "archived_vertices" {
				archived, _ = strconv.Atoi(fields[2])
			}
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: %q", errBadPLY, sc.Text())
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: element count %q", errBadPLY, fields[2])
			}
			element = fields[1]
			switch element {
			case "vertex":
				numVertices = n
			case "face":
				numFaces = n
			}
		case "property":
			if element == "vertex" {
				vertexProps = append(vertexProps, fields[len(fields)-1])
			}
		case "end_header":
			return readPLYBody(sc, numVertices, numFaces, archived, vertexProps)
		}
	}
	return nil, fmt.Errorf("%w: missing end_header", errBadPLY)
}

func readPLYBody(sc *bufio.Scanner, numVertices, numFaces, archived int, props []string) (*dsg.Mesh, error) {
	col := map[string]int{}
	for i, p := range props {
		col[p] = i
	}
	for _, p := range []string{"x", "y", "z"} {
		if _, ok := col[p]; !ok {
			return nil, fmt.Errorf("%w: vertex property %s missing", errBadPLY, p)
		}
	}
	stampCol, hasStamp := col["stamp"]

	mesh := &dsg.Mesh{
		Vertices: make([]r3.Vec, 0, numVertices),
		Stamps:   make([]uint64, 0, numVertices),
		Faces:    make([][3]uint32, 0, numFaces),
	}
	for i := 0; i < numVertices; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("%w: %d of %d vertices", errBadPLY, i, numVertices)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < len(props) {
			return nil, fmt.Errorf("%w: vertex %d has %d fields", errBadPLY, i, len(fields))
		}
		var v [3]float64
		for j, p := range []string{"x", "y", "z"} {
			f, err := strconv.ParseFloat(fields[col[p]], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: vertex %d: %v", errBadPLY, i, err)
			}
			v[j] = f
		}
		var stamp uint64
		if hasStamp {
			s, err := strconv.ParseUint(fields[stampCol], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: vertex %d stamp: %v", errBadPLY, i, err)
			}
			stamp = s
		}
		mesh.Vertices = append(mesh.Vertices, r3.Vec{X: v[0], Y: v[1], Z: v[2]})
		mesh.Stamps = append(mesh.Stamps, stamp)
	}
	for i := 0; i < numFaces; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("%w: %d of %d faces", errBadPLY, i, numFaces)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) != 4 || fields[0] != "3" {
			return nil, fmt.Errorf("%w: face %d is not a triangle", errBadPLY, i)
		}
		var f [3]uint32
		for j := range 3 {
			idx, err := strconv.ParseUint(fields[j+1], 10, 32)
			if err != nil || int(idx) >= numVertices {
				return nil, fmt.Errorf("%w: face %d index %q", errBadPLY, i, fields[j+1])
			}
			f[j] = uint32(idx)
		}
		mesh.Faces = append(mesh.Faces, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	mesh.ArchivedVertices = min(max(archived, 0), numVertices)
	return mesh, nil
}

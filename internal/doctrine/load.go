package doctrine

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

//go:embed schema.cue
var schemaSource string

//go:embed default.cue
var defaultSource []byte

// LoadDir loads every .cue file in dir as one doctrine package.
func LoadDir(dir string) (*Doctrine, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("doctrine directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("doctrine directory: not a directory: %s", dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan doctrine directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", formatCUEError(err))
	}
	return compileWithSchema(ctx, value)
}

// Compile compiles a single doctrine source.
func Compile(src []byte, filename string) (*Doctrine, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", formatCUEError(err))
	}
	return compileWithSchema(ctx, value)
}

var (
	defaultOnce     sync.Once
	defaultDoctrine *Doctrine
	defaultErr      error
)

// Default returns the built-in doctrine. The returned value is shared and
// must not be modified.
func Default() (*Doctrine, error) {
	defaultOnce.Do(func() {
		defaultDoctrine, defaultErr = Compile(defaultSource, "default.cue")
	})
	return defaultDoctrine, defaultErr
}

// Load returns the doctrine in dir, or the built-in doctrine when dir is empty.
func Load(dir string) (*Doctrine, error) {
	if dir == "" {
		return Default()
	}
	return LoadDir(dir)
}

func compileWithSchema(ctx *cue.Context, value cue.Value) (*Doctrine, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("doctrine schema: %w", err)
	}
	d, err := compileValue(schema.Unify(value))
	if err != nil {
		return nil, fmt.Errorf("compile doctrine: %w", err)
	}
	return d, nil
}

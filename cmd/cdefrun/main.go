package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/kpfaulkner/av1-go/buffer"
	"github.com/kpfaulkner/av1-go/cdef"
	"github.com/kpfaulkner/av1-go/dsp"
	"github.com/kpfaulkner/av1-go/util"
)

const frameBorder = 16

var (
	input     = flag.String("input", "", "raw planar YUV input frame")
	output    = flag.String("output", "out.yuv", "filtered output frame")
	width     = flag.Int("width", 0, "frame width in luma pixels")
	height    = flag.Int("height", 0, "frame height in luma pixels")
	bitdepth  = flag.Int("bitdepth", 8, "bit depth (8, 10 or 12; >8 reads little-endian uint16 samples)")
	primary   = flag.Int("primary", 8, "primary filter strength (0-15 for 8 bit)")
	secondary = flag.Int("secondary", 2, "secondary filter strength")
	damping   = flag.Int("damping", 5, "filter damping")
	workers   = flag.Int("workers", 0, "worker goroutines (0 = single-threaded)")
	profiling = flag.Bool("profile", false, "write a CPU profile to the current directory")
)

func main() {
	flag.Parse()
	if *input == "" || *width <= 0 || *height <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *profiling {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	var err error
	if *bitdepth == 8 {
		err = run[uint8]()
	} else {
		err = run[uint16]()
	}
	if err != nil {
		log.Fatalf("cdefrun: %v", err)
	}
}

func run[P util.Pixel]() error {
	raw, err := os.ReadFile(*input)
	if err != nil {
		return err
	}
	samples, err := toSamples[P](raw)
	if err != nil {
		return err
	}

	pool := buffer.NewBufferPool[P](nil)
	defer pool.Close()

	src, err := allocFrame(pool)
	if err != nil {
		return err
	}
	defer src.Release()
	dst, err := allocFrame(pool)
	if err != nil {
		return err
	}
	defer dst.Release()

	if err := loadPlanes(src.Buffer().Buffer(), samples); err != nil {
		return err
	}

	rows4x4 := util.Align(*height, 8) / 4
	columns4x4 := util.Align(*width, 8) / 4
	cfg := cdef.Config{
		Rows4x4:             rows4x4,
		Columns4x4:          columns4x4,
		Damping:             *damping,
		YPrimaryStrength:    []uint8{uint8(*primary)},
		YSecondaryStrength:  []uint8{uint8(*secondary)},
		UVPrimaryStrength:   []uint8{uint8(*primary)},
		UVSecondaryStrength: []uint8{uint8(*secondary)},
		StrengthIndex:       util.MakeMatrix2D[int8](util.DivideBy16(rows4x4)+1, util.DivideBy16(columns4x4)+1),
		Skip:                util.MakeMatrix2D[bool](rows4x4, columns4x4),
	}

	var workerPool *util.WorkerPool
	if *workers > 0 {
		workerPool = util.NewWorkerPool(*workers)
		defer workerPool.Shutdown()
	}

	filter := cdef.NewFilter(cfg, dsp.ReferenceFuncs[P](*bitdepth), workerPool,
		src.Buffer().Buffer(), dst.Buffer().Buffer())
	filter.Apply()
	log.Infof("filtered %dx%d frame at %d bit, %d workers", *width, *height, *bitdepth, *workers)

	return writePlanes(dst.Buffer().Buffer(), *output)
}

func allocFrame[P util.Pixel](pool *buffer.BufferPool[P]) (*buffer.Handle[P], error) {
	handle, err := pool.GetFreeBuffer()
	if err != nil {
		return nil, err
	}
	err = handle.Buffer().Realloc(*bitdepth, false, *width, *height, 1, 1,
		frameBorder, frameBorder, frameBorder, frameBorder)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return handle, nil
}

func toSamples[P util.Pixel](raw []byte) ([]P, error) {
	var zero P
	if _, ok := any(zero).(uint8); ok {
		return any(raw).([]P), nil
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd input length %d for 16 bit samples", len(raw))
	}
	samples := make([]P, len(raw)/2)
	for i := range samples {
		samples[i] = P(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples, nil
}

func loadPlanes[P util.Pixel](frame *buffer.YUVBuffer[P], samples []P) error {
	needed := 0
	for plane := 0; plane < frame.NumPlanes(); plane++ {
		needed += frame.Width(plane) * frame.Height(plane)
	}
	if len(samples) < needed {
		return fmt.Errorf("input has %d samples, frame needs %d", len(samples), needed)
	}
	pos := 0
	for plane := 0; plane < frame.NumPlanes(); plane++ {
		dst := frame.Plane(plane)
		idx := frame.OriginOffset(plane)
		w := frame.Width(plane)
		for y := 0; y < frame.Height(plane); y++ {
			copy(dst[idx:idx+w], samples[pos:pos+w])
			pos += w
			idx += frame.Stride(plane)
		}
	}
	return nil
}

func writePlanes[P util.Pixel](frame *buffer.YUVBuffer[P], path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	var zero P
	_, is8bit := any(zero).(uint8)
	row := make([]byte, 0)
	for plane := 0; plane < frame.NumPlanes(); plane++ {
		src := frame.Plane(plane)
		idx := frame.OriginOffset(plane)
		w := frame.Width(plane)
		for y := 0; y < frame.Height(plane); y++ {
			if is8bit {
				row = row[:0]
				for x := 0; x < w; x++ {
					row = append(row, byte(src[idx+x]))
				}
			} else {
				row = row[:0]
				for x := 0; x < w; x++ {
					row = binary.LittleEndian.AppendUint16(row, uint16(src[idx+x]))
				}
			}
			if _, err := out.Write(row); err != nil {
				return err
			}
			idx += frame.Stride(plane)
		}
	}
	return nil
}

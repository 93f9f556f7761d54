package vision

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// Model input geometry. The person net is an SSD trained at 300x300; the
// gender net is a CaffeNet variant trained at 227x227.
const (
	personInputSize = 300
	genderInputSize = 227

	// ssdRowLen is the per-detection row width of the SSD output:
	// image_id, class_id, confidence, x1, y1, x2, y2.
	ssdRowLen = 7
	ssdMaxDet = 100

	// personClassIndex is the "person" class in the 20-class VOC label
	// set the detector was trained on.
	personClassIndex = 15
)

// genderMean holds the per-channel (B, G, R) training means subtracted
// from gender crops before inference.
var genderMean = [3]float32{78.4263, 87.7689, 114.8958}

var (
	ortInitOnce sync.Once
	ortInitErr  error
	ortLibPath  string
)

// SetRuntimeLibrary overrides the onnxruntime shared library location.
// Must be called before the first session is created.
func SetRuntimeLibrary(path string) {
	ortLibPath = path
}

func defaultRuntimeLibrary() string {
	switch runtime.GOOS {
	case "darwin":
		return "third_party/libonnxruntime.dylib"
	case "windows":
		return "third_party/onnxruntime.dll"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/libonnxruntime_arm64.so"
		}
		return "third_party/libonnxruntime.so"
	}
}

// initRuntime initialises the onnxruntime environment once per process.
func initRuntime() error {
	ortInitOnce.Do(func() {
		lib := ortLibPath
		if lib == "" {
			lib = defaultRuntimeLibrary()
		}
		ort.SetSharedLibraryPath(lib)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxSession bundles an advanced session with its fixed input and output
// tensors. Sessions are not safe for concurrent Run calls; the producer
// loop is the only caller.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newONNXSession(modelPath, inputName, outputName string, inputShape, outputShape ort.Shape) (*onnxSession, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	inputLen := int64(1)
	for _, d := range inputShape {
		inputLen *= d
	}
	inputTensor, err := ort.NewTensor(inputShape, make([]float32, inputLen))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to load model %q: %w", modelPath, err)
	}

	return &onnxSession{session: session, input: inputTensor, output: outputTensor}, nil
}

func (s *onnxSession) run(input []float32) ([]float32, error) {
	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	return s.output.GetData(), nil
}

func (s *onnxSession) close() {
	s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}

// ONNXPersonDetector runs an SSD person detector via onnxruntime.
type ONNXPersonDetector struct {
	sess *onnxSession
}

// NewONNXPersonDetector loads the person detection model. Load failure is
// fatal at startup; there is no detector-less mode.
func NewONNXPersonDetector(modelPath string) (*ONNXPersonDetector, error) {
	sess, err := newONNXSession(
		modelPath,
		"data", "detection_out",
		ort.NewShape(1, 3, personInputSize, personInputSize),
		ort.NewShape(1, 1, ssdMaxDet, ssdRowLen),
	)
	if err != nil {
		return nil, err
	}
	return &ONNXPersonDetector{sess: sess}, nil
}

// DetectPersons runs one inference pass over the full frame and returns
// person-class boxes in frame coordinates. Confidence filtering is left
// to the cascade.
func (d *ONNXPersonDetector) DetectPersons(img *image.RGBA) ([]Detection, error) {
	b := img.Bounds()
	input := tensorize(img, img.Bounds(), personInputSize, func(r, g, bl uint8) (float32, float32, float32) {
		// The SSD was trained on inputs scaled to [-1, 1].
		return (float32(bl) - 127.5) / 127.5,
			(float32(g) - 127.5) / 127.5,
			(float32(r) - 127.5) / 127.5
	})

	out, err := d.sess.run(input)
	if err != nil {
		return nil, fmt.Errorf("person inference failed: %w", err)
	}

	w, h := float64(b.Dx()), float64(b.Dy())
	var dets []Detection
	for off := 0; off+ssdRowLen <= len(out); off += ssdRowLen {
		conf := float64(out[off+2])
		if conf <= 0 {
			continue
		}
		if int(out[off+1]) != personClassIndex {
			continue
		}
		box := image.Rect(
			b.Min.X+int(float64(out[off+3])*w),
			b.Min.Y+int(float64(out[off+4])*h),
			b.Min.X+int(float64(out[off+5])*w),
			b.Min.Y+int(float64(out[off+6])*h),
		).Intersect(b)
		if box.Empty() {
			continue
		}
		dets = append(dets, Detection{Box: box, Label: "person", Confidence: conf})
	}
	return dets, nil
}

// Close releases the underlying onnxruntime session.
func (d *ONNXPersonDetector) Close() {
	d.sess.close()
}

// ONNXGenderClassifier scores face crops with a two-class gender net.
type ONNXGenderClassifier struct {
	sess *onnxSession
}

// NewONNXGenderClassifier loads the gender classification model.
func NewONNXGenderClassifier(modelPath string) (*ONNXGenderClassifier, error) {
	sess, err := newONNXSession(
		modelPath,
		"data", "prob",
		ort.NewShape(1, 3, genderInputSize, genderInputSize),
		ort.NewShape(1, 2),
	)
	if err != nil {
		return nil, err
	}
	return &ONNXGenderClassifier{sess: sess}, nil
}

// ClassifyGender runs the gender net over one face crop. The returned
// confidence is the winning class probability; threshold filtering is the
// cascade's job.
func (c *ONNXGenderClassifier) ClassifyGender(img *image.RGBA, face image.Rectangle) (GenderObservation, error) {
	face = face.Intersect(img.Bounds())
	if face.Empty() {
		return GenderObservation{Label: GenderUnknown}, nil
	}

	input := tensorize(img, face, genderInputSize, func(r, g, b uint8) (float32, float32, float32) {
		return float32(b) - genderMean[0],
			float32(g) - genderMean[1],
			float32(r) - genderMean[2]
	})

	out, err := c.sess.run(input)
	if err != nil {
		return GenderObservation{Label: GenderUnknown}, fmt.Errorf("gender inference failed: %w", err)
	}
	if len(out) < 2 {
		return GenderObservation{Label: GenderUnknown}, fmt.Errorf("gender output too short: %d values", len(out))
	}

	if out[0] >= out[1] {
		return GenderObservation{Label: GenderMale, Confidence: float64(out[0])}, nil
	}
	return GenderObservation{Label: GenderFemale, Confidence: float64(out[1])}, nil
}

// Close releases the underlying onnxruntime session.
func (c *ONNXGenderClassifier) Close() {
	c.sess.close()
}

// tensorize crops a region, resizes it to size x size, and packs it as a
// planar CHW float32 tensor. The per-pixel transform receives RGB bytes
// and returns the three channel-plane values in model channel order.
func tensorize(img *image.RGBA, region image.Rectangle, size int, px func(r, g, b uint8) (float32, float32, float32)) []float32 {
	crop := img.SubImage(region)
	resized := resize.Resize(uint(size), uint(size), crop, resize.Bilinear)

	input := make([]float32, 3*size*size)
	stride := size * size
	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			c0, c1, c2 := px(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			input[idx] = c0
			input[idx+stride] = c1
			input[idx+2*stride] = c2
			idx++
		}
	}
	return input
}

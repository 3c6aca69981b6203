package telemetry

// DefaultWindowSize is the number of points kept per source for charting.
const DefaultWindowSize = 30

const pointLabelLayout = "15:04:05"

type Point struct {
	Label string  `json:"label"`
	Index float64 `json:"index"`
}

// Window is a bounded FIFO of the most recent points for one source.
// It is not safe for concurrent use; owners serialise access.
type Window struct {
	capacity int
	points   []Point
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}

	return &Window{
		capacity: capacity,
		points:   make([]Point, 0, capacity),
	}
}

func PointFor(reading DeviceReading) Point {
	return Point{
		Label: reading.ObservedAt.Local().Format(pointLabelLayout),
		Index: reading.Index,
	}
}

func (window *Window) Add(point Point) {
	if len(window.points) == window.capacity {
		copy(window.points, window.points[1:])
		window.points = window.points[:window.capacity-1]
	}
	window.points = append(window.points, point)
}

func (window *Window) Len() int {
	return len(window.points)
}

func (window *Window) Cap() int {
	return window.capacity
}

// Points returns a copy, oldest first.
func (window *Window) Points() []Point {
	output := make([]Point, len(window.points))
	copy(output, window.points)
	return output
}

func (window *Window) Indexes() []float64 {
	output := make([]float64, len(window.points))
	for position, point := range window.points {
		output[position] = point.Index
	}
	return output
}

func (window *Window) Reset() {
	window.points = window.points[:0]
}

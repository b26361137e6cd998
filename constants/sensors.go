package constants

// Sensor cleaning strategies.
const (
	StrategyDefault = "default"
	StrategyBounded = "bounded"
)

// ValueBounds are the accepted [low, high] ranges per metric type for the bounded strategy.
var ValueBounds = map[string][2]float64{
	"temperature": {-50.0, 80.0},
	"humidite":    {0.0, 100.0},
	"luminosite":  {0.0, 200000.0},
}

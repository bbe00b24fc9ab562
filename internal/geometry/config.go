package geometry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beamtest/trackrecon/internal/recoerr"
)

// ParseConfig reads the textual geometry format, one detector per
// record as "key = value" pairs with a blank line between records,
// and returns the set of detectors keyed by name.
func ParseConfig(r io.Reader) (map[string]*Detector, error) {
	detectors := map[string]*Detector{}
	scanner := bufio.NewScanner(r)
	fields := map[string]string{}

	flush := func() error {
		if len(fields) == 0 {
			return nil
		}
		cfg, err := configFromFields(fields)
		if err != nil {
			return err
		}
		detectors[cfg.Name] = NewDetector(cfg)
		fields = map[string]string{}
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, recoerr.New(recoerr.ConfigError, "malformed geometry line %q", line)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(detectors) == 0 {
		return nil, recoerr.New(recoerr.ConfigError, "geometry config defines no detectors")
	}
	return detectors, nil
}

func configFromFields(f map[string]string) (Config, error) {
	var cfg Config
	var err error

	cfg.Name, err = requireField(f, "name")
	if err != nil {
		return cfg, err
	}
	cfg.Type, err = requireField(f, "type")
	if err != nil {
		return cfg, err
	}

	pos, err := requireVec3(f, "position")
	if err != nil {
		return cfg, err
	}
	cfg.Displacement = pos

	rot, err := requireVec3(f, "orientation")
	if err != nil {
		return cfg, err
	}
	cfg.Rotation = rot

	nx, ny, err := requireIntPair(f, "number_of_pixels")
	if err != nil {
		return cfg, err
	}
	cfg.NPixelsX, cfg.NPixelsY = nx, ny

	px, py, err := requireFloatPair(f, "pixel_pitch")
	if err != nil {
		return cfg, err
	}
	cfg.PitchX, cfg.PitchY = px, py

	mb, err := requireFloat(f, "material_budget")
	if err != nil {
		return cfg, err
	}
	cfg.MaterialBudget = mb

	if v, ok := f["time_resolution"]; ok {
		cfg.TimeResolutionNs, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, recoerr.New(recoerr.ConfigError, "time_resolution: %v", err)
		}
	}

	if v, ok := f["spatial_resolution"]; ok {
		ex, ey, err := parseFloatPair(v)
		if err != nil {
			return cfg, recoerr.New(recoerr.ConfigError, "spatial_resolution: %v", err)
		}
		cfg.SpatialResX, cfg.SpatialResY = ex, ey
	}

	if v, ok := f["time_offset"]; ok {
		cfg.TimeOffsetNs, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, recoerr.New(recoerr.ConfigError, "time_offset: %v", err)
		}
	}

	role, err := requireField(f, "role")
	if err != nil {
		return cfg, err
	}
	switch role {
	case "dut":
		cfg.IsDUT = true
	case "reference":
		// neither flag set
	case "auxiliary":
		cfg.IsAuxiliary = true
	default:
		return cfg, recoerr.New(recoerr.ConfigError, "role must be dut|reference|auxiliary, got %q", role)
	}

	cfg.Mask = map[[2]int]bool{}
	if v, ok := f["mask"]; ok {
		pairs, err := parseMaskList(v)
		if err != nil {
			return cfg, err
		}
		for _, p := range pairs {
			cfg.Mask[p] = true
		}
	}

	if v, ok := f["rolling_shutter_frame_length_ns"]; ok {
		flen, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, recoerr.New(recoerr.ConfigError, "rolling_shutter_frame_length_ns: %v", err)
		}
		rows, err := requireInt(f, "rolling_shutter_rows")
		if err != nil {
			return cfg, err
		}
		cfg.RollingShutter = RollingShutter{Enabled: true, FrameLengthNs: flen, Rows: rows}
	}

	return cfg, nil
}

func requireField(f map[string]string, key string) (string, error) {
	v, ok := f[key]
	if !ok || v == "" {
		return "", recoerr.New(recoerr.ConfigError, "missing required geometry field %q", key)
	}
	return v, nil
}

func requireFloat(f map[string]string, key string) (float64, error) {
	v, err := requireField(f, key)
	if err != nil {
		return 0, err
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	return x, nil
}

func requireInt(f map[string]string, key string) (int, error) {
	v, err := requireField(f, key)
	if err != nil {
		return 0, err
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	return x, nil
}

func requireVec3(f map[string]string, key string) (Vec3, error) {
	v, err := requireField(f, key)
	if err != nil {
		return Vec3{}, err
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return Vec3{}, recoerr.New(recoerr.ConfigError, "%s must have 3 comma-separated components, got %q", key, v)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Vec3{}, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
		}
		vals[i] = x
	}
	return Vec3{vals[0], vals[1], vals[2]}, nil
}

func requireFloatPair(f map[string]string, key string) (a, b float64, err error) {
	v, err := requireField(f, key)
	if err != nil {
		return 0, 0, err
	}
	return parseFloatPair(v)
}

func parseFloatPair(v string) (a, b float64, err error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected 2 comma-separated components, got %q", v)
	}
	a, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	b, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func requireIntPair(f map[string]string, key string) (a, b int, err error) {
	v, err := requireField(f, key)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, recoerr.New(recoerr.ConfigError, "%s must have 2 comma-separated components, got %q", key, v)
	}
	ai, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	bi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, recoerr.New(recoerr.ConfigError, "%s: %v", key, err)
	}
	if ai <= 0 || bi <= 0 {
		return 0, 0, recoerr.New(recoerr.ConfigError, "%s must be positive, got %q", key, v)
	}
	return ai, bi, nil
}

// parseMaskList parses a "col:row,col:row,..." list into pairs.
func parseMaskList(v string) ([][2]int, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out [][2]int
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		col, row, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, recoerr.New(recoerr.ConfigError, "malformed mask entry %q", entry)
		}
		c, err := strconv.Atoi(strings.TrimSpace(col))
		if err != nil {
			return nil, recoerr.New(recoerr.ConfigError, "mask entry %q: %v", entry, err)
		}
		r, err := strconv.Atoi(strings.TrimSpace(row))
		if err != nil {
			return nil, recoerr.New(recoerr.ConfigError, "mask entry %q: %v", entry, err)
		}
		out = append(out, [2]int{c, r})
	}
	return out, nil
}

package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath     string
	AnalysisID int64
	OutputFile string
	Format     ImageFormat

	// Pixel to nanometer mapping for the wavelength axis.
	FactorNmPerPixel float64
	OffsetNm         float64
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format:           ImagePNG,
		FactorNmPerPixel: 0.5,
		OffsetNm:         400,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat string
	flag.StringVar(&c.DBPath, "db", "", "Path to the archive database file")
	flag.Int64Var(&c.AnalysisID, "id", 0, "Archived analysis ID")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file")
	flag.StringVar(&imageFormat, "f", ImagePNG, "Output image format. [png, jpeg]")
	flag.Float64Var(&c.FactorNmPerPixel, "factor", c.FactorNmPerPixel, "Wavelength nm per pixel")
	flag.Float64Var(&c.OffsetNm, "offset", c.OffsetNm, "Wavelength offset in nm")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.AnalysisID <= 0 {
		err = errors.New("analysis id is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}

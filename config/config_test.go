package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
)

const sampleYAML = `
datasets:
  kitti:
    root-path: /data/kitti
    image-width: 720
    image-height: 64
    fov-up: 3.0
    fov-down: -25.0
    sequence-size: 3
    splits:
      train:
        - date: "2011-09-26"
          drives: ["0001", "0002"]
        - date: "2011-09-30"
          drives: ["0016"]
      val:
        - date: "2011-10-03"
          drives: ["0027"]
channels: [0, 1, 2, 4]
networks:
  lidar-feat:
    dropout: 0.25
    fusion: cat
    bypass: true
    timestamps: 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	test.That(t, err, test.ShouldBeNil)

	ds := cfg.Datasets.Kitti
	test.That(t, ds.RootPath, test.ShouldEqual, "/data/kitti")
	test.That(t, ds.SequenceSize, test.ShouldEqual, 3)
	test.That(t, cfg.Channels, test.ShouldResemble, []int{0, 1, 2, 4})

	// Split listing preserves configuration order.
	train, err := ds.Split("train")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, train, test.ShouldResemble, []DriveGroup{
		{Date: "2011-09-26", Drives: []string{"0001", "0002"}},
		{Date: "2011-09-30", Drives: []string{"0016"}},
	})

	_, err = ds.Split("test")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		old  string
		new  string
		want string
	}{
		{"missing root", "root-path: /data/kitti", `root-path: ""`, "root-path is required"},
		{"inverted fov", "fov-up: 3.0", "fov-up: -30.0", "fov-up"},
		{"short sequence", "sequence-size: 3", "sequence-size: 1", "sequence-size"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body := strings.Replace(sampleYAML, tc.old, tc.new, 1)
			_, err := Load(writeConfig(t, body))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestAttributeMapDecode(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	test.That(t, err, test.ShouldBeNil)

	var out struct {
		Dropout    float64 `mapstructure:"dropout"`
		Fusion     string  `mapstructure:"fusion"`
		Bypass     bool    `mapstructure:"bypass"`
		Timestamps int     `mapstructure:"timestamps"`
	}
	test.That(t, cfg.Networks["lidar-feat"].Decode(&out), test.ShouldBeNil)
	test.That(t, out.Dropout, test.ShouldEqual, 0.25)
	test.That(t, out.Fusion, test.ShouldEqual, "cat")
	test.That(t, out.Bypass, test.ShouldBeTrue)
	test.That(t, out.Timestamps, test.ShouldEqual, 3)

	// Unknown keys are config typos and must not pass silently.
	var narrow struct {
		Dropout float64 `mapstructure:"dropout"`
	}
	err = cfg.Networks["lidar-feat"].Decode(&narrow)
	test.That(t, err, test.ShouldNotBeNil)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	"neuropipe/pkg/config"
	"neuropipe/pkg/dataset"
	"neuropipe/pkg/dti"
	"neuropipe/pkg/registration"
	"neuropipe/pkg/superres"
	"neuropipe/pkg/visualization"
	"neuropipe/pkg/volume"
)

// qcRecord is one row of the quality-control summary CSV written next to
// the pipeline outputs.
type qcRecord struct {
	Subject string  `csv:"subject"`
	Date    string  `csv:"date"`
	ImageID string  `csv:"image_id"`
	Metric  string  `csv:"metric"`
	Value   float64 `csv:"value"`
}

func main() {
	// Parse command line arguments
	sourceDir := flag.String("source", "", "Root of the NRG-layout source tree")
	project := flag.String("project", "", "Project folder name under the source root")
	subject := flag.String("sid", "", "Subject identifier")
	date := flag.String("date", "", "Session date identifier")
	imageID := flag.String("iid", "", "Image identifier")
	modality := flag.String("modality", "DTI", "Modality folder name")
	processDir := flag.String("process", "processed", "Root of the output tree")
	separator := flag.String("sep", "", "Separator for output file names (default from config)")
	srModelDir := flag.String("srmodel", "", "Super-resolution model directory (empty disables upsampling)")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	fetchData := flag.Bool("fetch-data", false, "Download the reference data bundle into the local cache")
	verbose := flag.Bool("verbose", true, "Print progress output")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Output.Verbose = *verbose
	if *separator != "" {
		cfg.Output.Separator = *separator
	}

	if *fetchData {
		if err := fetchReferenceData(cfg); err != nil {
			log.Fatalf("Reference data fetch failed: %v", err)
		}
		if *sourceDir == "" {
			return
		}
	}

	// Validate inputs
	if *sourceDir == "" || *subject == "" || *date == "" || *imageID == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("NEUROPIPE DIFFUSION PIPELINE")
	fmt.Printf("Subject %s, session %s, image %s\n", *subject, *date, *imageID)
	fmt.Println("================================")

	inputDir := filepath.Join(*sourceDir, *project, *subject, *date, *modality, *imageID)
	outputDir := filepath.Join(*processDir, *project, *subject, *date, *modality, *imageID)

	// The flag wins; the config supplies the model when no flag is given.
	modelDir := *srModelDir
	if modelDir == "" {
		modelDir = cfg.SuperRes.ModelDir
	}

	startTime := time.Now()
	records, err := runPipeline(cfg, inputDir, outputDir, *subject, *date, *imageID, *modality, modelDir)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := writeQCSummary(outputDir, outputStem(cfg, *subject, *date, *modality, *imageID), records); err != nil {
		log.Fatalf("Failed to write QC summary: %v", err)
	}

	fmt.Printf("\nPipeline completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Outputs saved to: %s\n", outputDir)
}

// fetchReferenceData downloads the reference bundle and lists what arrived.
func fetchReferenceData(cfg *config.Config) error {
	root := cfg.Cache.Dir
	if root == "" {
		var err error
		root, err = dataset.DefaultRoot()
		if err != nil {
			return pfx.Err(err)
		}
	}
	cache := dataset.NewCache(root)
	cache.ArchiveURL = cfg.Cache.ArchiveURL
	cache.Version = cfg.Cache.Version

	fmt.Printf("Fetching reference data (version %d) into %s...\n", cache.Version, root)
	if err := cache.Fetch(context.Background()); err != nil {
		return err
	}

	files, err := cache.List(context.Background(), "")
	if err != nil {
		return err
	}
	fmt.Printf("Cache holds %d files\n", len(files))
	return nil
}

// runPipeline executes dewarping, optional super-resolution and tensor
// reconstruction for one session image, returning the QC metrics gathered
// along the way.
func runPipeline(cfg *config.Config, inputDir, outputDir, subject, date, imageID, modality, srModelDir string) ([]*qcRecord, error) {
	images, err := findImages(inputDir)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Found %d acquisition(s) in %s\n", len(images), inputDir)

	series := make([]*volume.Volume, len(images))
	tables := make([]*dti.GradientTable, len(images))
	for i, path := range images {
		vol, err := volume.ReadNifti(path)
		if err != nil {
			return nil, pfx.Err(err)
		}
		table, err := readSiblingGradients(path)
		if err != nil {
			return nil, err
		}
		if vol.NDim() != 4 {
			return nil, fmt.Errorf("%s: expected a 4D series, got %dD", path, vol.NDim())
		}
		if vol.NumFrames() != table.NumGradients() {
			return nil, fmt.Errorf("%s: %d frames but %d gradient entries",
				path, vol.NumFrames(), table.NumGradients())
		}
		series[i] = vol
		tables[i] = table
	}

	var records []*qcRecord
	record := func(metric string, value float64) {
		records = append(records, &qcRecord{
			Subject: subject, Date: date, ImageID: imageID,
			Metric: metric, Value: value,
		})
	}

	// Stage 1: joint dewarping of the acquisitions. A single acquisition
	// has nothing to align against and passes through unchanged.
	aligned := series
	if len(series) > 1 {
		fmt.Println("Stage 1/3: dewarping acquisitions...")
		dewarp, err := registration.DewarpImageset(series, registration.DewarpOptions{
			Template: cfg.TemplateOptions(),
			Padding:  cfg.Registration.Padding,
		})
		if err != nil {
			return nil, err
		}
		for i, sim := range dewarp.Similarities {
			record(fmt.Sprintf("dewarp_similarity_%02d", i), sim)
		}
		aligned = dewarp.Dewarped
	} else {
		fmt.Println("Stage 1/3: single acquisition, dewarping skipped")
	}

	dwi, table, err := concatSeries(aligned, tables)
	if err != nil {
		return nil, err
	}
	record("frames", float64(dwi.NumFrames()))

	// Stage 2: optional super-resolution.
	if srModelDir != "" {
		fmt.Println("Stage 2/3: applying super-resolution model...")
		model, err := superres.LoadModel(srModelDir)
		if err != nil {
			return nil, err
		}
		dwi, err = superres.UpsampleSeries(dwi, model, cfg.SuperResOptions())
		if err != nil {
			return nil, err
		}
	} else {
		fmt.Println("Stage 2/3: super-resolution disabled, skipping")
	}

	// Stage 3: tensor reconstruction.
	fmt.Println("Stage 3/3: reconstructing diffusion tensors...")
	recon, err := dti.Recon(dwi, table, dti.ReconOptions{Mask: cfg.MaskOptions()})
	if err != nil {
		return nil, err
	}
	record("mean_fa", maskedMean(recon.FA, recon.Mask))
	record("mean_md", maskedMean(recon.MD, recon.Mask))

	stem := outputStem(cfg, subject, date, modality, imageID)
	if err := writeOutputs(outputDir, stem, dwi, recon, cfg.Output.SaveQC); err != nil {
		return nil, err
	}

	return records, nil
}

// findImages lists the NIfTI acquisitions in a session directory, sorted for
// a stable repeat order.
func findImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pfx.Err(err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") {
			images = append(images, filepath.Join(dir, name))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no NIfTI images found in %s", dir)
	}
	sort.Strings(images)
	return images, nil
}

// readSiblingGradients loads the FSL gradient files stored next to an image
// under the same stem.
func readSiblingGradients(imagePath string) (*dti.GradientTable, error) {
	base := strings.TrimSuffix(imagePath, ".gz")
	base = strings.TrimSuffix(base, ".nii")

	table, err := dti.ReadGradientTable(base+".bval", base+".bvec")
	if err != nil {
		return nil, fmt.Errorf("loading gradients for %s: %w", imagePath, err)
	}
	return table, nil
}

// concatSeries joins dewarped acquisitions and their gradient tables along
// the frame axis.
func concatSeries(series []*volume.Volume, tables []*dti.GradientTable) (*volume.Volume, *dti.GradientTable, error) {
	if len(series) == 1 {
		return series[0], tables[0], nil
	}

	var frames []*volume.Volume
	var bvals []float64
	var bvecs [][3]float64
	for i, vol := range series {
		for k := 0; k < vol.NumFrames(); k++ {
			frame, err := vol.Frame(k)
			if err != nil {
				return nil, nil, err
			}
			frames = append(frames, frame)
		}
		bvals = append(bvals, tables[i].Bvals...)
		bvecs = append(bvecs, tables[i].Bvecs...)
	}

	joined, err := volume.Stack(frames, series[0].Spacing[3])
	if err != nil {
		return nil, nil, err
	}
	table, err := dti.NewGradientTable(bvals, bvecs)
	if err != nil {
		return nil, nil, err
	}
	return joined, table, nil
}

// maskedMean averages a scalar map over the nonzero mask voxels.
func maskedMean(v, mask *volume.Volume) float64 {
	var sum float64
	var count int
	for i, m := range mask.Data {
		if m != 0 {
			sum += v.Data[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// outputStem builds the NRG-style file name prefix for the session image.
func outputStem(cfg *config.Config, subject, date, modality, imageID string) string {
	sep := cfg.Output.Separator
	return strings.Join([]string{subject, date, modality, imageID}, sep)
}

// writeOutputs saves the dewarped series, the tensor maps and, when
// enabled, the QC mosaics.
func writeOutputs(outputDir, stem string, dwi *volume.Volume, recon *dti.ReconResult, saveQC bool) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return pfx.Err(err)
	}

	outputs := []struct {
		suffix string
		vol    *volume.Volume
	}{
		{"dewarped", dwi},
		{"FA", recon.FA},
		{"MD", recon.MD},
		{"RGB", recon.RGB},
		{"mask", recon.Mask},
	}
	for _, out := range outputs {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.nii.gz", stem, out.suffix))
		if err := volume.WriteNifti(out.vol, path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("Saved %s\n", path)
	}

	if !saveQC {
		return nil
	}

	for _, qc := range []struct {
		suffix string
		vol    *volume.Volume
	}{
		{"FA", recon.FA},
		{"MD", recon.MD},
	} {
		renderer, err := visualization.NewRenderer(qc.vol, 0.02, 0.98)
		if err != nil {
			return err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s_qc.png", stem, qc.suffix))
		if err := renderer.SaveMosaic("z", 12, 4, 128, path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("Saved %s\n", path)
	}
	return nil
}

// writeQCSummary saves the gathered metrics as a CSV next to the outputs.
func writeQCSummary(outputDir, stem string, records []*qcRecord) error {
	path := filepath.Join(outputDir, stem+"_qc.csv")
	file, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer file.Close()

	if err := gocsv.MarshalFile(&records, file); err != nil {
		return pfx.Err(err)
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

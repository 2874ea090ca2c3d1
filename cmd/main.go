package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/skylens-analytics/skylens"
	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/pipelines"
	"github.com/skylens-analytics/skylens/server"
	"github.com/skylens-analytics/skylens/util/checks"
	"github.com/skylens-analytics/skylens/util/fileutil"
	"github.com/skylens-analytics/skylens/util/imageutil"
)

var modelPath string
var heightModelPath string
var inputPath string
var outputPath string
var pipelineType string
var sharedLibraryPath string
var batchSize int
var modelsDir string
var address string
var assetsDir string
var onnxFilePath string

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a model over a batch of satellite tiles",
	Description: `Run takes a folder of images (or image paths on stdin, one per line) and writes one summary
json line per image. For segmentation the binarized mask is also written as <tile>_mask.png into the output folder.
				`,
	ArgsUsage: `
				--input: path to an image or a folder of images. If omitted, image paths are read from stdin.
				--output: path to a folder where to write masks and the summary .jsonl. If omitted, the summary goes to stdout and no masks are written.
				--model: model name or path to the folder with the .onnx model. The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model with this name at $HOME/skylens/models. Finally, try to download the model from Huggingface and use it.
				--type: pipeline type, either segmentation or height.
				--onnxruntimeSharedLibrary: path to the onnxruntime.so library. If provided, inference runs on onnxruntime instead of the pure Go backend.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path to the model folder",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input image or folder",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to the output folder",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "type",
			Usage:       "Pipeline type: segmentation or height",
			Aliases:     []string{"t"},
			Destination: &pipelineType,
			Value:       "segmentation",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       8,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/skylens/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
	},
	Action: func(ctx *cli.Context) error {
		session, err := newSession()
		if err != nil {
			return err
		}

		var setupErrs []error
		defer func() {
			setupErrs = append(setupErrs, session.Destroy())
		}()

		resolvedModelPath, err := resolveModel(modelPath)
		if err != nil {
			return err
		}

		var runner imageRunner
		switch pipelineType {
		case "segmentation":
			pipe, pipeErr := skylens.NewPipeline(session, skylens.SegmentationConfig{
				ModelPath: resolvedModelPath,
				Name:      "cliPipeline",
			})
			setupErrs = append(setupErrs, pipeErr)
			if pipeErr == nil {
				runner = segmentationRunner{pipe: pipe}
			}
		case "height":
			pipe, pipeErr := skylens.NewPipeline(session, skylens.HeightConfig{
				ModelPath: resolvedModelPath,
				Name:      "cliPipeline",
			})
			setupErrs = append(setupErrs, pipeErr)
			if pipeErr == nil {
				runner = heightRunner{pipe: pipe}
			}
		default:
			setupErrs = append(setupErrs, fmt.Errorf("pipeline type %s not implemented", pipelineType))
		}
		if e := errors.Join(setupErrs...); e != nil {
			return e
		}

		inputChannel := make(chan []string, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go processBatches(&processedWg, inputChannel, processedChannel, errorsChannel, runner)

		var writer io.WriteCloser
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(fileutil.PathJoinSafe(outputPath, "results.jsonl"), "")
			if err != nil {
				return err
			}
		} else {
			writer = os.Stdout
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)

		defer func() {
			if writer != os.Stdout {
				err = errors.Join(err, writer.Close())
			}
		}()

		if err = feedInputs(ctx.Context, inputChannel); err != nil {
			return err
		}

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		return err
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the dashboard",
	Description: `Serve loads the segmentation model (and optionally a height model) and serves the dashboard
with the predictions, images-and-masks, insights and team pages.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path to the segmentation model folder",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "heightModel",
			Usage:       "Model name or path to the height model folder",
			Destination: &heightModelPath,
		},
		&cli.StringFlag{
			Name:        "address",
			Usage:       "Address to listen on",
			Aliases:     []string{"a"},
			Destination: &address,
			Value:       ":8080",
		},
		&cli.StringFlag{
			Name:        "assets",
			Usage:       "Folder with sample tiles, reference masks and the team roster",
			Destination: &assetsDir,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/skylens/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
	},
	Action: func(_ *cli.Context) (err error) {
		var session *skylens.Session
		session, err = newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		resolvedModelPath, err := resolveModel(modelPath)
		if err != nil {
			return err
		}
		if _, err = skylens.NewPipeline(session, skylens.SegmentationConfig{
			ModelPath: resolvedModelPath,
			Name:      "segmentation",
		}); err != nil {
			return err
		}

		heightName := ""
		if heightModelPath != "" {
			resolvedHeightPath, heightErr := resolveModel(heightModelPath)
			if heightErr != nil {
				return heightErr
			}
			if _, heightErr = skylens.NewPipeline(session, skylens.HeightConfig{
				ModelPath: resolvedHeightPath,
				Name:      "height",
			}); heightErr != nil {
				return heightErr
			}
			heightName = "height"
		}

		dashboard, err := server.New(session, server.Config{
			AssetsDir:        assetsDir,
			SegmentationName: "segmentation",
			HeightName:       heightName,
		})
		if err != nil {
			return err
		}
		return dashboard.ListenAndServe(address)
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a model from Huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name on Huggingface, e.g. skylens-analytics/building-footprints",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store the downloaded model. Falls back to $HOME/skylens/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "onnxFilePath",
			Usage:       "Path of the .onnx file within the model repository, for repositories with multiple .onnx files",
			Destination: &onnxFilePath,
		},
	},
	Action: func(_ *cli.Context) error {
		destination, err := resolveModelsDir()
		if err != nil {
			return err
		}
		if err = fileutil.CreateFile(destination, true); err != nil {
			return err
		}
		downloadOptions := skylens.NewDownloadOptions()
		downloadOptions.OnnxFilePath = onnxFilePath
		downloadOptions.Verbose = true
		downloadedPath, err := skylens.DownloadModel(modelPath, destination, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Println(downloadedPath)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "skylens",
		Usage:    "Building footprints and heights from satellite imagery",
		Commands: []*cli.Command{runCommand, serveCommand, downloadCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func newSession() (*skylens.Session, error) {
	if sharedLibraryPath != "" {
		return skylens.NewORTSession(options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	return skylens.NewGoSession()
}

func resolveModelsDir() (string, error) {
	if modelsDir != "" {
		return modelsDir, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "skylens", "models"), nil
}

// resolveModel resolves a model flag: an existing path wins, then a previously
// downloaded model of that name, then a download from Huggingface.
func resolveModel(model string) (string, error) {
	ok, err := fileutil.FileExists(model)
	if err != nil {
		return "", err
	}
	if ok {
		return model, nil
	}

	downloadDir, err := resolveModelsDir()
	if err != nil {
		return "", err
	}
	downloadedModelName := strings.Replace(model, "/", "_", -1)
	downloadedModelPath := fileutil.PathJoinSafe(downloadDir, downloadedModelName)
	ok, err = fileutil.FileExists(downloadedModelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return downloadedModelPath, nil
	}

	if strings.Contains(model, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err = fileutil.CreateFile(downloadDir, true); err != nil {
		return "", err
	}
	return skylens.DownloadModel(model, downloadDir, skylens.NewDownloadOptions())
}

// imageRunner adapts the two pipeline types to the worker loop, producing one
// summary per input path.
type imageRunner interface {
	run(paths []string) ([]summary, error)
}

// summary is one output line of the results .jsonl.
type summary struct {
	Input      string   `json:"input"`
	MaskPath   string   `json:"mask_path,omitempty"`
	Coverage   *float64 `json:"coverage,omitempty"`
	HeightMin  *float32 `json:"height_min,omitempty"`
	HeightMax  *float32 `json:"height_max,omitempty"`
	HeightMean *float32 `json:"height_mean,omitempty"`
}

type segmentationRunner struct {
	pipe *pipelines.SegmentationPipeline
}

func (r segmentationRunner) run(paths []string) ([]summary, error) {
	output, err := r.pipe.RunPipeline(paths)
	if err != nil {
		return nil, err
	}
	summaries := make([]summary, len(output.Masks))
	for i, result := range output.Masks {
		coverage := result.Coverage
		summaries[i] = summary{Input: paths[i], Coverage: &coverage}
		if outputPath != "" {
			stem := strings.TrimSuffix(filepath.Base(paths[i]), filepath.Ext(paths[i]))
			maskPath := fileutil.PathJoinSafe(outputPath, stem+"_mask.png")
			if writeErr := imageutil.WritePNG(maskPath, result.Mask); writeErr != nil {
				return nil, writeErr
			}
			summaries[i].MaskPath = maskPath
		}
	}
	return summaries, nil
}

type heightRunner struct {
	pipe *pipelines.HeightPipeline
}

func (r heightRunner) run(paths []string) ([]summary, error) {
	output, err := r.pipe.RunPipeline(paths)
	if err != nil {
		return nil, err
	}
	summaries := make([]summary, len(output.Heights))
	for i, result := range output.Heights {
		minV, maxV, meanV := result.Min, result.Max, result.Mean
		summaries[i] = summary{Input: paths[i], HeightMin: &minV, HeightMax: &maxV, HeightMean: &meanV}
		if outputPath != "" {
			stem := strings.TrimSuffix(filepath.Base(paths[i]), filepath.Ext(paths[i]))
			heightPath := fileutil.PathJoinSafe(outputPath, stem+"_height.png")
			if writeErr := imageutil.WritePNG(heightPath, result.Rendering); writeErr != nil {
				return nil, writeErr
			}
			summaries[i].MaskPath = heightPath
		}
	}
	return summaries, nil
}

func processBatches(wg *sync.WaitGroup, inputChannel chan []string, processedChannel chan []byte, errorsChannel chan error, runner imageRunner) {
	for batch := range inputChannel {
		summaries, err := runner.run(batch)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for _, s := range summaries {
			outputBytes, marshalErr := jsoniter.Marshal(s)
			if marshalErr != nil {
				errorsChannel <- marshalErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
	wg.Done()
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.WriteCloser) {
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			_, err := writeTarget.Write(output)
			checks.CheckWithMessage(err, "failed to write result")
			_, err = writeTarget.Write([]byte("\n"))
			checks.CheckWithMessage(err, "failed to write result")
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if err != nil {
				_, writeErr := os.Stderr.WriteString(err.Error() + "\n")
				checks.CheckWithMessage(writeErr, "failed to write error")
			}
		}
	}
	wg.Done()
}

// feedInputs fills the input channel with batches of image paths, either by
// walking the input folder or by reading paths from stdin.
func feedInputs(ctx context.Context, inputChannel chan []string) error {
	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	exists = inputPath != "" && exists

	if exists {
		stats, statsErr := fileutil.FileStats(inputPath)
		if statsErr != nil {
			return statsErr
		}
		if !stats.IsDir() {
			inputChannel <- []string{inputPath}
			return nil
		}

		batch := make([]string, 0, batchSize)
		walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
			if info.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
				return true, nil
			}
			batch = append(batch, fileutil.PathJoinSafe(inputPath, parent, info.Name()))
			if len(batch) == batchSize {
				inputChannel <- batch
				batch = make([]string, 0, batchSize)
			}
			return true, nil
		}
		if err = fileutil.WalkDir()(ctx, inputPath, walker); err != nil {
			return err
		}
		if len(batch) > 0 {
			inputChannel <- batch
		}
		return nil
	}

	if inputPath != "" {
		return fmt.Errorf("file %s does not exist", inputPath)
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		// there is something to process on stdin
		batch := make([]string, 0, batchSize)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			batch = append(batch, line)
			if len(batch) == batchSize {
				inputChannel <- batch
				batch = make([]string, 0, batchSize)
			}
		}
		if len(batch) > 0 {
			inputChannel <- batch
		}
		return scanner.Err()
	}
	return nil
}

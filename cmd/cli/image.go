package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashutoshrp06/brainstream/internal/config"
	"github.com/ashutoshrp06/brainstream/internal/engine"
	"github.com/ashutoshrp06/brainstream/internal/types"
)

var imageOutDir string

var imageCmd = &cobra.Command{
	Use:   "image <prompt>",
	Short: "Generate an image",
	Long: `Generate an image from a prompt and save it to disk.

Examples:
  brainstream image "a lighthouse at dusk, watercolor"
  brainstream image --out ./renders "isometric city block"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runImage(cmd, args)
	},
}

func init() {
	imageCmd.Flags().StringVarP(&imageOutDir, "out", "o", ".", "Directory to write images to")
}

func runImage(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	logger := createLogger()
	defer logger.Sync()

	prompt := strings.Join(args, " ")
	fmt.Print(lipgloss.NewStyle().Foreground(theme.Warning).Render("Generating image... "))

	state, paths, err := generate(cmd.Context(), cfg, logger, resolveConversation(logger), prompt, imageOutDir)
	if legacyOutput {
		defer printLegacy(os.Stdout, state)
	}
	if err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(theme.Error).Render("✗"))
		exitWithError(cfg, err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(theme.Success).Render("✓"))
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	if revised := state.ImageGeneration.Images[0].RevisedPrompt; revised != "" {
		fmt.Println(dimStyle.Render("  Revised prompt: " + revised))
	}
}

// generate runs one image request and writes every returned image into dir.
func generate(ctx context.Context, cfg *config.Config, logger *zap.Logger, convID, prompt, dir string) (types.SessionState, []string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	provider := startTracing(ctx, cfg, logger)
	defer stopTracing(provider, logger)

	eng, err := newEngine(cfg, logger, provider.Tracer(), engine.Callbacks{})
	if err != nil {
		return types.NewSessionState(), nil, fmt.Errorf("initialize engine: %w", err)
	}

	stop := cancelOnInterrupt(eng)
	defer stop()

	if err := eng.GenerateImage(ctx, imageRequest(cfg, convID, prompt)); err != nil {
		return eng.State(), nil, err
	}

	state := eng.State()
	if state.ImageGeneration.Stage != types.ImageStageComplete {
		return state, nil, context.Canceled
	}

	paths, err := saveImages(dir, state.ImageGeneration.Images)
	return state, paths, err
}

func saveImages(dir string, images []types.GeneratedImage) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Base64Data)
		if err != nil {
			return paths, fmt.Errorf("decode image %d: %w", i+1, err)
		}

		f, err := os.CreateTemp(dir, "brainstream-*"+extension(img.MediaType))
		if err != nil {
			return paths, fmt.Errorf("create image file: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return paths, fmt.Errorf("write image: %w", werr)
		}
		if cerr != nil {
			return paths, fmt.Errorf("close image: %w", cerr)
		}
		paths = append(paths, filepath.Clean(f.Name()))
	}
	return paths, nil
}

func extension(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

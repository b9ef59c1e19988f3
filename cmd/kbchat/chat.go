package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpleflo/kbchat/pkg/models"
)

// chatTimeout covers retrieval plus a full non-streaming completion.
const chatTimeout = 5 * time.Minute

type chatFlags struct {
	mode     string
	category string
	docs     []string
	model    string
}

func (f *chatFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "",
		"Chat mode: free_chat, category_qa or knowledge_chat (default: category_qa with --category, else free_chat)")
	cmd.Flags().StringVarP(&f.category, "category", "c", "", "Category for category_qa")
	cmd.Flags().StringSliceVarP(&f.docs, "doc", "d", nil, "Selected document for category_qa (repeatable)")
	cmd.Flags().StringVar(&f.model, "model", "", "Chat model (default: ai.model)")
}

func (f *chatFlags) request(question string, history []models.ChatMessage) models.ChatRequest {
	mode := models.ChatMode(f.mode)
	if mode == "" && f.category != "" {
		mode = models.ModeCategoryQA
	}
	return models.ChatRequest{
		Question:     question,
		Mode:         mode,
		Category:     f.category,
		SelectedDocs: f.docs,
		Model:        f.model,
		History:      history,
	}
}

func askCmd() *cobra.Command {
	var flags chatFlags

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question",
		Long: `Ask one question and print the answer with the documents it used.

Examples:
  kbchat ask "what is a monad?"
  kbchat ask -m knowledge_chat "what did I save about the Magna Carta?"
  kbchat ask -c history -d magna-carta.pdf "when was it sealed?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.ChatResponse
			c := newClientWithTimeout(socketPath, chatTimeout)
			req := flags.request(strings.Join(args, " "), nil)
			if err := c.post("/api/v1/chat", req, &resp); err != nil {
				return err
			}
			printAnswer(&resp)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func chatCmd() *cobra.Command {
	var flags chatFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat. Previous turns are sent with each
question. Type /reset to forget the conversation, /exit to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientWithTimeout(socketPath, chatTimeout)
			var history []models.ChatMessage

			mode := flags.request("", nil).Mode
			if mode == "" {
				mode = models.ModeFreeChat
			}
			fmt.Printf("kbchat (%s). /reset clears history, /exit quits.\n\n", mode)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "/exit", "/quit":
					return nil
				case "/reset":
					history = nil
					fmt.Println("History cleared.")
					continue
				}

				var resp models.ChatResponse
				if err := c.post("/api/v1/chat", flags.request(line, history), &resp); err != nil {
					fmt.Printf("✗ %v\n\n", err)
					continue
				}
				printAnswer(&resp)
				history = append(history,
					models.ChatMessage{Role: "user", Content: line},
					models.ChatMessage{Role: "assistant", Content: resp.Answer},
				)
			}
		},
	}

	flags.register(cmd)
	return cmd
}

func printAnswer(resp *models.ChatResponse) {
	fmt.Println(resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, s := range resp.Sources {
			fmt.Printf("  - %s\n", s)
		}
	}
	fmt.Println()
}
